package mesh

import "log/slog"

// MapperBuilderOption is a functional option applied to a mapper during construction via NewMapper.
type MapperBuilderOption func(*mapper)

// WithLabel sets the debug label of the mapper and its buffers.
//
// Parameters:
//   - label: the label to use
//
// Returns:
//   - MapperBuilderOption: a function that applies the label option to a mapper
func WithLabel(label string) MapperBuilderOption {
	return func(m *mapper) {
		m.label = label
	}
}

// WithMesh sets the mesh to map. Every attribute is uploaded at the first Upload.
//
// Parameters:
//   - mesh: the mesh to map
//
// Returns:
//   - MapperBuilderOption: a function that applies the mesh option to a mapper
func WithMesh(mesh *Mesh) MapperBuilderOption {
	return func(m *mapper) {
		m.mesh = mesh
	}
}

// WithDrawFunc sets the function Render calls after uploading.
func WithDrawFunc(draw DrawFunc) MapperBuilderOption {
	return func(m *mapper) {
		m.draw = draw
	}
}

// WithLogger sets the logger the mapper reports through. When unset the package logger is used.
func WithLogger(l *slog.Logger) MapperBuilderOption {
	return func(m *mapper) {
		m.log = l
	}
}
