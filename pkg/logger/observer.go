package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Logs exposes the log entries captured by an observer logger.
type Logs interface {
	// Len returns the number of items in the collection.
	Len() int

	// All returns a copy of all the observed logs.
	All() []observer.LoggedEntry

	// TakeAll returns a copy of all the observed logs, and truncates the
	// observed slice.
	TakeAll() []observer.LoggedEntry
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger creates a logger that records entries in memory, for
// asserting on log output in tests.
func NewObserverLogger(level string) (Logger, Logs) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	observerLogger, logs := observer.New(lvl)
	return &ZapLogger{Logger: zap.New(observerLogger)}, logs
}
