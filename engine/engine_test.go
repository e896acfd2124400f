package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-compute/engine"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stage struct {
	renders atomic.Int64
	fail    func(frame renderer.Frame) error
}

func (s *stage) Label() string { return "stage" }

func (s *stage) Render(frame renderer.Frame) error {
	s.renders.Add(1)
	if s.fail != nil {
		return s.fail(frame)
	}
	return nil
}

func newRenderer(t *testing.T, s renderer.RenderStage) renderer.Renderer {
	t.Helper()
	d := gpu.NewSoftwareDevice()
	t.Cleanup(d.Release)
	return renderer.NewRenderer(d, renderer.WithRenderStage(s))
}

func TestEngineMaxFrames(t *testing.T) {
	s := &stage{}
	var callbacks atomic.Int64
	e := engine.NewEngine(newRenderer(t, s),
		engine.WithMaxFrames(5),
		engine.WithRenderCallback(func(float32) { callbacks.Add(1) }),
	)

	require.NoError(t, e.Run(context.Background()))
	assert.EqualValues(t, 5, e.Frames())
	assert.EqualValues(t, 5, s.renders.Load())
	assert.EqualValues(t, 5, callbacks.Load())
	assert.EqualValues(t, 5, e.Renderer().FrameIndex())
}

func TestEngineCountsFrameErrors(t *testing.T) {
	s := &stage{fail: func(frame renderer.Frame) error {
		if frame.Index%2 == 0 {
			return errors.New("boom")
		}
		return nil
	}}
	e := engine.NewEngine(newRenderer(t, s), engine.WithMaxFrames(4))

	require.NoError(t, e.Run(context.Background()))
	assert.EqualValues(t, 4, e.Frames())
	assert.EqualValues(t, 2, e.FrameErrors())
}

func TestEngineStopsOnContextAndQuit(t *testing.T) {
	e := engine.NewEngine(newRenderer(t, &stage{}), engine.WithRenderFrameLimit(1000))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Positive(t, e.Frames())

	e2 := engine.NewEngine(newRenderer(t, &stage{}), engine.WithRenderFrameLimit(1000))
	time.AfterFunc(10*time.Millisecond, e2.Quit)
	require.NoError(t, e2.Run(context.Background()))
	e2.Quit()
}

func TestEngineTicks(t *testing.T) {
	var ticks atomic.Int64
	e := engine.NewEngine(newRenderer(t, &stage{}),
		engine.WithTickRate(1000),
		engine.WithRenderFrameLimit(500),
		engine.WithTickCallback(func(float32) { ticks.Add(1) }),
	)
	e.SetRenderCallback(func(float32) {
		if ticks.Load() >= 3 {
			e.Quit()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
}

func TestEngineRecoversFromPanic(t *testing.T) {
	s := &stage{fail: func(renderer.Frame) error { panic("stage exploded") }}
	e := engine.NewEngine(newRenderer(t, s))

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage exploded")
}
