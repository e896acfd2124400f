package loader

import (
	"log/slog"

	"github.com/Carmen-Shannon/oxy-compute/engine/mesh"
)

// LoaderBuilderOption is a functional option for configuring a Loader via NewLoader.
type LoaderBuilderOption func(*loader)

// WithLogger sets the logger the Loader reports through. When unset the package logger is used.
func WithLogger(l *slog.Logger) LoaderBuilderOption {
	return func(ld *loader) {
		ld.log = l
	}
}

// WithCellNormals makes the Loader fill CellNormals on every mesh it produces.
//
// Parameters:
//   - enabled: whether cell normals are computed
//
// Returns:
//   - LoaderBuilderOption: a function that applies the option to a loader
func WithCellNormals(enabled bool) LoaderBuilderOption {
	return func(ld *loader) {
		ld.cellNormals = enabled
	}
}

// WithMeshes pre-populates the cache.
//
// Parameters:
//   - key: the cache key, usually a file path
//   - meshes: the meshes to cache
//
// Returns:
//   - LoaderBuilderOption: a function that applies the option to a loader
func WithMeshes(key string, meshes []*mesh.Mesh) LoaderBuilderOption {
	return func(ld *loader) {
		ld.cache[key] = meshes
	}
}
