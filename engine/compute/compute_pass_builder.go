package compute

// ComputePassBuilderOption is a functional option for configuring a ComputePass created with
// ComputePipeline.CreateComputePass.
type ComputePassBuilderOption func(*computePass)

// WithPassLabel sets the debug label of the pass. When unset a random label is generated.
//
// Parameters:
//   - label: the label to use
//
// Returns:
//   - ComputePassBuilderOption: option function to apply
func WithPassLabel(label string) ComputePassBuilderOption {
	return func(p *computePass) {
		p.label = label
	}
}

// WithShaderSource sets the WGSL source of the pass.
//
// Parameters:
//   - source: the WGSL source text
//
// Returns:
//   - ComputePassBuilderOption: option function to apply
func WithShaderSource(source string) ComputePassBuilderOption {
	return func(p *computePass) {
		p.source = source
	}
}

// WithEntryPoint sets the compute entry point of the pass.
//
// Parameters:
//   - name: the @compute function name
//
// Returns:
//   - ComputePassBuilderOption: option function to apply
func WithEntryPoint(name string) ComputePassBuilderOption {
	return func(p *computePass) {
		p.entryPoint = name
	}
}

// WithWorkgroups sets the workgroup grid of the pass. The default is {1, 1, 1}.
//
// Parameters:
//   - x: workgroups along x
//   - y: workgroups along y
//   - z: workgroups along z
//
// Returns:
//   - ComputePassBuilderOption: option function to apply
func WithWorkgroups(x, y, z uint32) ComputePassBuilderOption {
	return func(p *computePass) {
		p.workgroups = [3]uint32{x, y, z}
	}
}
