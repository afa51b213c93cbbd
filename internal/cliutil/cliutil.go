// Package cliutil holds the database-opening and logging wiring shared by
// cmd/tuplctl and cmd/tuplsh, so each binary's own files stay focused on its
// command surface.
package cliutil

import (
	"go.uber.org/zap"

	"github.com/cojen/tupl"
	"github.com/cojen/tupl/internal/config"
	"github.com/cojen/tupl/internal/metrics"
	"github.com/cojen/tupl/internal/zaplistener"
)

// multiListener fans every EventListener callback out to both the zap
// logger and the prometheus collectors, so opening a database through this
// package always gets both without either tool hard-depending on the other.
type multiListener struct {
	log *zaplistener.Listener
	met *metrics.Listener
}

func (m multiListener) Checkpoint(category, message string, fields map[string]interface{}) {
	m.log.Checkpoint(category, message, fields)
	m.met.Checkpoint(category, message, fields)
}

func (m multiListener) Recovery(category, message string, fields map[string]interface{}) {
	m.log.Recovery(category, message, fields)
	m.met.Recovery(category, message, fields)
}

func (m multiListener) LockWait(result tupl.LockResult, key tupl.LockKey, waited bool) {
	m.log.LockWait(result, key, waited)
	m.met.LockWait(result, key, waited)
}

func (m multiListener) Cache(category string, fields map[string]interface{}) {
	m.log.Cache(category, fields)
	m.met.Cache(category, fields)
}

func (m multiListener) Panic(cause error) {
	m.log.Panic(cause)
	m.met.Panic(cause)
}

// NewListener builds the combined zap+prometheus EventListener used by the
// CLI tools. log may be nil (it is passed straight through to
// zaplistener.New, which treats nil as a no-op logger).
func NewListener(log *zap.Logger) tupl.EventListener {
	return multiListener{log: zaplistener.New(log), met: metrics.New()}
}

// LoadOptions resolves the Options a CLI command should open the database
// with: a TOML config file if configFile is non-empty, else
// tupl.DefaultOptions(baseFile). The resolved listener is always attached,
// and baseFile (if given) overrides whatever the config file specifies, so
// a command-line --base-file flag always wins.
func LoadOptions(baseFile, configFile string, log *zap.Logger) (*tupl.Options, error) {
	var opts *tupl.Options
	if configFile != "" {
		f, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		opts, err = f.ToOptions()
		if err != nil {
			return nil, err
		}
	} else {
		opts = tupl.DefaultOptions(baseFile)
	}
	if baseFile != "" {
		opts.BaseFile = baseFile
	}
	opts.EventListener = NewListener(log)
	return opts, nil
}

// Open resolves options via LoadOptions and opens the database.
func Open(baseFile, configFile string, log *zap.Logger) (*tupl.Database, error) {
	opts, err := LoadOptions(baseFile, configFile, log)
	if err != nil {
		return nil, err
	}
	return tupl.Open(opts)
}
