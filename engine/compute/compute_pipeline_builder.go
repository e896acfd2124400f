package compute

import "log/slog"

// ComputePipelineBuilderOption is a functional option for configuring a ComputePipeline.
type ComputePipelineBuilderOption func(*computePipeline)

// WithPipelineLabel sets the debug label of the pipeline. When unset a random label is generated.
//
// Parameters:
//   - label: the label to use
//
// Returns:
//   - ComputePipelineBuilderOption: option function to apply
func WithPipelineLabel(label string) ComputePipelineBuilderOption {
	return func(cp *computePipeline) {
		cp.label = label
	}
}

// WithLogger sets the logger the pipeline and its passes report through. When unset the package
// logger from engine/logger is used.
//
// Parameters:
//   - l: the logger to use
//
// Returns:
//   - ComputePipelineBuilderOption: option function to apply
func WithLogger(l *slog.Logger) ComputePipelineBuilderOption {
	return func(cp *computePipeline) {
		cp.logger = l
	}
}
