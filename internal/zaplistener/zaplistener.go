// Package zaplistener adapts tupl.EventListener onto go.uber.org/zap, the
// same logging library talent-plan/tinykv wires for its own server
// components.
package zaplistener

import (
	"go.uber.org/zap"

	"github.com/cojen/tupl"
)

// Listener forwards EventListener callbacks as structured zap log lines.
type Listener struct {
	log *zap.Logger
}

// New wraps log, or zap.NewNop() if log is nil.
func New(log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{log: log}
}

func (l *Listener) Checkpoint(category, message string, fields map[string]interface{}) {
	l.log.Info("checkpoint: "+message, append([]zap.Field{zap.String("category", category)}, toZapFields(fields)...)...)
}

func (l *Listener) Recovery(category, message string, fields map[string]interface{}) {
	l.log.Info("recovery: "+message, append([]zap.Field{zap.String("category", category)}, toZapFields(fields)...)...)
}

func (l *Listener) LockWait(result tupl.LockResult, key tupl.LockKey, waited bool) {
	l.log.Debug("lock wait",
		zap.Stringer("result", result),
		zap.Uint64("index_id", key.IndexID),
		zap.Bool("waited", waited),
	)
}

func (l *Listener) Cache(category string, fields map[string]interface{}) {
	l.log.Debug("cache: "+category, toZapFields(fields)...)
}

func (l *Listener) Panic(cause error) {
	l.log.Error("database panicked", zap.Error(cause))
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

var _ tupl.EventListener = (*Listener)(nil)
