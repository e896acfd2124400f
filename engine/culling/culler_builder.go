package culling

import "log/slog"

// FrustumCullerBuilderOption is a functional option applied to a culler via NewFrustumCuller.
type FrustumCullerBuilderOption func(*frustumCuller)

// WithLabel sets the label of the culler, its pass and its buffers.
//
// Parameters:
//   - label: the label to use
//
// Returns:
//   - FrustumCullerBuilderOption: a function that applies the label option to a culler
func WithLabel(label string) FrustumCullerBuilderOption {
	return func(c *frustumCuller) {
		c.label = label
	}
}

// WithCapacity sets the number of spheres the buffers initially hold. Values <= 0 are ignored.
//
// Parameters:
//   - n: the initial capacity
//
// Returns:
//   - FrustumCullerBuilderOption: a function that applies the capacity option to a culler
func WithCapacity(n int) FrustumCullerBuilderOption {
	return func(c *frustumCuller) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithLogger sets the logger the culler reports through.
func WithLogger(l *slog.Logger) FrustumCullerBuilderOption {
	return func(c *frustumCuller) {
		c.log = l
	}
}
