// Package engine drives a renderer headlessly: a fixed-rate tick loop for simulation work and a
// render loop that produces frames until the context ends, a frame budget is spent or Quit is called.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/Carmen-Shannon/oxy-compute/engine/renderer"
)

// ErrAlreadyRunning is returned by Run when the engine is running.
var ErrAlreadyRunning = errors.New("engine is already running")

// engine implements the Engine interface.
// Coordinates the tick and render goroutines.
type engine struct {
	log      *slog.Logger
	renderer renderer.Renderer

	tickRateChannel chan time.Duration
	tickRate        time.Duration
	tickCallback    func(deltaTime float32)
	renderCallback  func(deltaTime float32)

	renderFrameLimit time.Duration // minimum frame duration; 0 = uncapped
	maxFrames        uint64        // 0 = unbounded

	running     atomic.Bool
	quitChannel chan struct{}
	quitOnce    sync.Once

	frames      atomic.Uint64
	frameErrors atomic.Uint64
}

// Engine runs the frame loop of a Renderer without a window.
type Engine interface {
	// Renderer returns the renderer driven by the engine.
	Renderer() renderer.Renderer

	// SetTickRate sets the tick rate in ticks per second.
	// The change takes effect immediately when the engine is running.
	//
	// Parameters:
	//   - tps: target ticks per second (defaults to 60 if <= 0)
	SetTickRate(tps float64)

	// SetTickCallback registers the function called each tick.
	//
	// Parameters:
	//   - callback: function receiving the delta time in seconds
	SetTickCallback(callback func(deltaTime float32))

	// SetRenderCallback registers the function called after each rendered frame.
	//
	// Parameters:
	//   - callback: function receiving the delta time in seconds
	SetRenderCallback(callback func(deltaTime float32))

	// SetRenderFrameLimit caps the render loop in frames per second. Pass 0 to uncap it.
	SetRenderFrameLimit(fps float64)

	// Run starts the tick and render loops and blocks until ctx is done, the frame budget set with
	// WithMaxFrames is spent or Quit is called. Frame errors are logged by the renderer and counted;
	// they do not stop the loop.
	//
	// Parameters:
	//   - ctx: the context bounding the run
	//
	// Returns:
	//   - error: a non-nil error if the render loop panicked
	Run(ctx context.Context) error

	// Quit signals the loops to stop. Safe to call multiple times.
	Quit()

	// Frames returns the number of frames rendered so far.
	Frames() uint64

	// FrameErrors returns the number of frames that reported an error.
	FrameErrors() uint64
}

var _ Engine = (*engine)(nil)

// NewEngine creates a new Engine driving r.
//
// Parameters:
//   - r: the renderer whose frames the engine produces
//   - options: functional options for engine configuration (tick rate, frame limit, etc.)
//
// Returns:
//   - Engine: the newly created engine
func NewEngine(r renderer.Renderer, options ...EngineBuilderOption) Engine {
	e := &engine{
		renderer:        r,
		tickRateChannel: make(chan time.Duration, 1),
		quitChannel:     make(chan struct{}),
		tickRate:        time.Second / 60,
	}
	for _, opt := range options {
		opt(e)
	}
	e.log = logger.Or(e.log).With("component", "Engine")
	return e
}

func (e *engine) Renderer() renderer.Renderer {
	return e.renderer
}

func (e *engine) Frames() uint64      { return e.frames.Load() }
func (e *engine) FrameErrors() uint64 { return e.frameErrors.Load() }

func (e *engine) Quit() {
	e.quitOnce.Do(func() {
		close(e.quitChannel)
	})
}

func (e *engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.quitChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.handleTick(ctx)
	}()

	err := e.handleRender(ctx)
	cancel()
	wg.Wait()

	e.log.Info("engine stopped", "frames", e.frames.Load(), "frame_errors", e.frameErrors.Load())
	return err
}

// handleTick runs the fixed-rate tick loop and listens for rate changes on tickRateChannel.
func (e *engine) handleTick(ctx context.Context) {
	ticker := time.NewTicker(e.tickRate)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now
			if e.tickCallback != nil {
				e.tickCallback(dt)
			}
		case rate := <-e.tickRateChannel:
			ticker.Reset(rate)
			e.tickRate = rate
		}
	}
}

// handleRender renders frames until ctx is done or the frame budget is spent.
// A panic inside a frame stops the engine and is returned as an error.
func (e *engine) handleRender(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render loop panicked: %v", r)
			e.log.Error(err.Error(), "caller", "handleRender", "frame", e.frames.Load())
		}
	}()

	lastRender := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now()
		dt := float32(now.Sub(lastRender).Seconds())
		lastRender = now

		if frameErr := e.renderer.RenderFrame(); frameErr != nil {
			e.frameErrors.Add(1)
		}
		n := e.frames.Add(1)

		if e.renderCallback != nil {
			e.renderCallback(dt)
		}
		if e.maxFrames > 0 && n >= e.maxFrames {
			return nil
		}

		if e.renderFrameLimit > 0 {
			if remaining := e.renderFrameLimit - time.Since(lastRender); remaining > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(remaining):
				}
			}
		}
	}
}

func (e *engine) SetTickRate(tps float64) {
	if tps <= 0 {
		tps = 60
	}
	rate := time.Duration(float64(time.Second) / tps)

	if !e.running.Load() {
		e.tickRate = rate
		return
	}
	// replace any pending update
	select {
	case e.tickRateChannel <- rate:
	default:
		select {
		case <-e.tickRateChannel:
		default:
		}
		e.tickRateChannel <- rate
	}
}

func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.tickCallback = callback
}

func (e *engine) SetRenderCallback(callback func(deltaTime float32)) {
	e.renderCallback = callback
}

func (e *engine) SetRenderFrameLimit(fps float64) {
	e.renderFrameLimit = frameDuration(fps)
}

func frameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
