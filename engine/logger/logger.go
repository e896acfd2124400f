// Package logger holds the shared structured logger for the engine packages.
//
// Nothing is logged unless a logger is installed with SetLogger, or a component is built with its
// own WithLogger option.
package logger

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards every record. Enabled returns false so callers skip formatting.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// NewNop creates a logger that silently discards all output.
func NewNop() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(NewNop())
}

// SetLogger installs the logger used by every engine component that was not given one explicitly.
// Passing nil restores the silent default.
//
// Levels used by the engine:
//   - slog.LevelDebug: bind-group rebuilds, buffer allocations, dropped map requests
//   - slog.LevelInfo: device selection
//   - slog.LevelWarn: shader sources reflection could not parse
//   - slog.LevelError: refused configuration, capacity and device errors
//
// Parameters:
//   - l: the logger to install, or nil for no output
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = NewNop()
	}
	loggerPtr.Store(l)
}

// Logger returns the currently installed package logger. Safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// Or returns l when it is non-nil, otherwise the package logger.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
