package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerIsSilent(t *testing.T) {
	SetLogger(nil)
	assert.False(t, Logger().Enabled(t.Context(), slog.LevelError))
}

func TestSetLoggerAndOr(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	SetLogger(l)
	defer SetLogger(nil)

	Or(nil).Info("device selected", "backend", "software")
	assert.Contains(t, buf.String(), "backend=software")

	own := NewNop()
	assert.Same(t, own, Or(own))
}
