package renderer

import (
	"log/slog"

	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
)

// RendererBuilderOption is a functional option applied to a renderer during construction via NewRenderer.
type RendererBuilderOption func(*renderer)

// WithPreRenderComputePipeline registers a pipeline updated before the render stages of every frame.
//
// Parameters:
//   - p: the pipeline to register
//
// Returns:
//   - RendererBuilderOption: a function that applies the pipeline option to a renderer
func WithPreRenderComputePipeline(p compute.ComputePipeline) RendererBuilderOption {
	return func(r *renderer) {
		r.preRender = append(r.preRender, p)
	}
}

// WithRenderStage appends a render stage.
//
// Parameters:
//   - s: the stage to append
//
// Returns:
//   - RendererBuilderOption: a function that applies the stage option to a renderer
func WithRenderStage(s RenderStage) RendererBuilderOption {
	return func(r *renderer) {
		r.stages = append(r.stages, s)
	}
}

// WithLogger sets the logger the renderer reports through. When unset the package logger is used.
//
// Parameters:
//   - l: the slog.Logger to use
//
// Returns:
//   - RendererBuilderOption: a function that applies the logger option to a renderer
func WithLogger(l *slog.Logger) RendererBuilderOption {
	return func(r *renderer) {
		r.log = l
	}
}

// WithProfiling enables periodic frame statistics, logged at Info level.
//
// Parameters:
//   - enabled: if true, enables performance profiling
//
// Returns:
//   - RendererBuilderOption: a function that applies the profiling option to a renderer
func WithProfiling(enabled bool) RendererBuilderOption {
	return func(r *renderer) {
		r.profilingEnabled = enabled
	}
}
