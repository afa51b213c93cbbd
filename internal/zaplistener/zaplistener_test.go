package zaplistener

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cojen/tupl"
)

// captureCore is a minimal zapcore.Core that records every entry it is
// asked to write, avoiding a dependency on zap's own test helpers.
type captureCore struct {
	zapcore.LevelEnabler
	entries *[]zapcore.Entry
	fields  *[][]zapcore.Field
}

func (c captureCore) With([]zapcore.Field) zapcore.Core { return c }
func (c captureCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(e, c)
}
func (c captureCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	*c.entries = append(*c.entries, e)
	*c.fields = append(*c.fields, fields)
	return nil
}
func (c captureCore) Sync() error { return nil }

func newCapturing() (*Listener, *[]zapcore.Entry, *[][]zapcore.Field) {
	var entries []zapcore.Entry
	var fields [][]zapcore.Field
	core := captureCore{LevelEnabler: zapcore.DebugLevel, entries: &entries, fields: &fields}
	return New(zap.New(core)), &entries, &fields
}

func fieldMap(fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}

func TestCheckpointLogsMessageAndCategory(t *testing.T) {
	l, entries, fields := newCapturing()
	l.Checkpoint("begin", "starting checkpoint", map[string]interface{}{"dirty_pages": 42})

	assert.Len(t, *entries, 1)
	assert.Contains(t, (*entries)[0].Message, "starting checkpoint")
	assert.Equal(t, "begin", fieldMap((*fields)[0])["category"])
}

func TestLockWaitLogsStructuredFields(t *testing.T) {
	l, entries, fields := newCapturing()
	l.LockWait(tupl.ResultTimedOut, tupl.LockKey{IndexID: 7, Key: "k"}, true)

	assert.Len(t, *entries, 1)
	m := fieldMap((*fields)[0])
	assert.Equal(t, "TIMED_OUT_LOCK", m["result"])
	assert.EqualValues(t, 7, m["index_id"])
	assert.Equal(t, true, m["waited"])
}

func TestPanicLogsErrorAtErrorLevel(t *testing.T) {
	l, entries, _ := newCapturing()
	l.Panic(errors.New("boom"))

	assert.Len(t, *entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, (*entries)[0].Level)
}

func TestNewWithNilLoggerDoesNotPanic(t *testing.T) {
	l := New(nil)
	assert.NotPanics(t, func() {
		l.Cache("evict", map[string]interface{}{"count": 3})
	})
}

var _ tupl.EventListener = (*Listener)(nil)
