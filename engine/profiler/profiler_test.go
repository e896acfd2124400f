package profiler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerTick(t *testing.T) {
	var buf bytes.Buffer
	clock := time.Unix(0, 0)
	p := NewProfiler(WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))), WithInterval(time.Second))
	p.now = func() time.Time { return clock }
	p.lastTime = clock

	for range 3 {
		p.Observe("pre-render", 2*time.Millisecond)
		clock = clock.Add(250 * time.Millisecond)
		assert.False(t, p.Tick())
	}
	assert.Empty(t, buf.String())

	p.Observe("pre-render", 2*time.Millisecond)
	clock = clock.Add(250 * time.Millisecond)
	require.True(t, p.Tick())

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "frame stats", record["msg"])
	assert.Equal(t, "Profiler", record["component"])
	assert.InDelta(t, 4.0, record["fps"], 1e-9)
	assert.EqualValues(t, 2*time.Millisecond, record["pre-render_avg"])
	assert.Empty(t, p.phases, "phases reset after logging")
}

func TestProfilerIntervalDefault(t *testing.T) {
	p := NewProfiler(WithInterval(-time.Second))
	assert.Equal(t, time.Second, p.updateInterval)
}
