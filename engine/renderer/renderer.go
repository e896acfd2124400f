package renderer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/Carmen-Shannon/oxy-compute/engine/profiler"
)

// Frame is the per-frame context handed to render stages.
type Frame struct {
	// Index counts frames from zero.
	Index uint64

	// Device is the renderer's device.
	Device gpu.Device
}

// RenderStage records the draw work of one frame. Rasterization is the stage's business; the
// renderer only guarantees that pre-render compute pipelines have been updated before Render is
// called and that post-render pipelines are updated after every stage returned.
type RenderStage interface {
	// Label retrieves the stage's debug label.
	Label() string

	// Render records and submits the stage's work for one frame.
	//
	// Parameters:
	//   - frame: the frame context
	//
	// Returns:
	//   - error: an error if the stage could not render
	Render(frame Frame) error
}

// renderer is the implementation of the Renderer interface.
type renderer struct {
	mu *sync.Mutex

	device gpu.Device
	log    *slog.Logger

	preRender  []compute.ComputePipeline
	postRender []compute.ComputePipeline
	stages     []RenderStage

	frameIndex uint64

	profilingEnabled bool
	profiler         *profiler.Profiler
}

// Renderer schedules the work of a frame: compute pipelines that feed the frame, the render stages
// that draw it, and compute pipelines that consume its results. Pipelines and stages run in
// registration order.
type Renderer interface {
	// Device retrieves the device shared by the renderer's pipelines and stages.
	Device() gpu.Device

	// AddPreRenderComputePipeline registers a pipeline updated once per frame before any render
	// stage runs. A pipeline registered twice is updated once.
	//
	// Parameters:
	//   - p: the pipeline to register
	AddPreRenderComputePipeline(p compute.ComputePipeline)

	// AddPostRenderComputePipeline registers a pipeline updated once per frame after every render
	// stage has run.
	//
	// Parameters:
	//   - p: the pipeline to register
	AddPostRenderComputePipeline(p compute.ComputePipeline)

	// RemoveComputePipeline unregisters a pre- or post-render pipeline. The pipeline is not released.
	//
	// Parameters:
	//   - p: the pipeline to remove
	//
	// Returns:
	//   - bool: true if the pipeline was registered
	RemoveComputePipeline(p compute.ComputePipeline) bool

	// AddRenderStage appends a render stage.
	//
	// Parameters:
	//   - s: the stage to append
	AddRenderStage(s RenderStage)

	// RemoveRenderStage removes a render stage.
	//
	// Parameters:
	//   - s: the stage to remove
	//
	// Returns:
	//   - bool: true if the stage was registered
	RemoveRenderStage(s RenderStage) bool

	// RenderFrame updates the pre-render pipelines, runs the render stages and updates the
	// post-render pipelines. A failing pipeline or stage is reported and the frame continues.
	//
	// Returns:
	//   - error: the joined errors of the frame
	RenderFrame() error

	// FrameIndex returns the index of the next frame.
	FrameIndex() uint64
}

var _ Renderer = (*renderer)(nil)

// NewRenderer creates a Renderer on device.
//
// Parameters:
//   - device: the device pipelines and stages share
//   - options: variadic list of RendererBuilderOption functions to configure the renderer
//
// Returns:
//   - Renderer: the created renderer
func NewRenderer(device gpu.Device, options ...RendererBuilderOption) Renderer {
	r := &renderer{
		mu:     &sync.Mutex{},
		device: device,
	}
	for _, opt := range options {
		opt(r)
	}
	r.log = logger.Or(r.log).With("component", "Renderer")
	if r.profilingEnabled {
		r.profiler = profiler.NewProfiler(profiler.WithLogger(r.log))
	}
	return r
}

func (r *renderer) Device() gpu.Device {
	return r.device
}

func (r *renderer) AddPreRenderComputePipeline(p compute.ComputePipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.preRender, p) {
		r.preRender = append(r.preRender, p)
	}
}

func (r *renderer) AddPostRenderComputePipeline(p compute.ComputePipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.postRender, p) {
		r.postRender = append(r.postRender, p)
	}
}

func (r *renderer) RemoveComputePipeline(p compute.ComputePipeline) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.preRender) + len(r.postRender)
	r.preRender = slices.DeleteFunc(r.preRender, func(q compute.ComputePipeline) bool { return q == p })
	r.postRender = slices.DeleteFunc(r.postRender, func(q compute.ComputePipeline) bool { return q == p })
	return len(r.preRender)+len(r.postRender) < before
}

func (r *renderer) AddRenderStage(s RenderStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *renderer) RemoveRenderStage(s RenderStage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.stages)
	r.stages = slices.DeleteFunc(r.stages, func(q RenderStage) bool { return q == s })
	return len(r.stages) < n
}

func (r *renderer) FrameIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameIndex
}

func (r *renderer) RenderFrame() error {
	// snapshot so pipelines and stages may re-register from inside callbacks
	r.mu.Lock()
	pre := slices.Clone(r.preRender)
	post := slices.Clone(r.postRender)
	stages := slices.Clone(r.stages)
	frame := Frame{Index: r.frameIndex, Device: r.device}
	r.frameIndex++
	r.mu.Unlock()

	var errs []error
	start := time.Now()
	errs = append(errs, r.updatePipelines(pre, "pre-render", frame)...)
	r.observe("pre-render", start)

	start = time.Now()
	for _, s := range stages {
		if err := s.Render(frame); err != nil {
			err = fmt.Errorf("render stage %q: %w", s.Label(), err)
			r.log.Error(err.Error(), "caller", "RenderFrame", "frame", frame.Index)
			errs = append(errs, err)
		}
	}
	r.observe("render", start)

	start = time.Now()
	errs = append(errs, r.updatePipelines(post, "post-render", frame)...)
	r.observe("post-render", start)

	if r.profiler != nil {
		r.profiler.Tick()
	}
	return errors.Join(errs...)
}

func (r *renderer) updatePipelines(pipelines []compute.ComputePipeline, phase string, frame Frame) []error {
	var errs []error
	for _, p := range pipelines {
		if err := p.Update(); err != nil {
			err = fmt.Errorf("%s pipeline %q: %w", phase, p.Label(), err)
			r.log.Error(err.Error(), "caller", "RenderFrame", "frame", frame.Index)
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *renderer) observe(phase string, start time.Time) {
	if r.profiler != nil {
		r.profiler.Observe(phase, time.Since(start))
	}
}
