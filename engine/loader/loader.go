// Package loader imports glTF 2.0 (.gltf and .glb) geometry as mesh.Mesh values and caches them by key.
package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/Carmen-Shannon/oxy-compute/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	// ErrMissingPositions is returned when a primitive has no POSITION attribute.
	ErrMissingPositions = errors.New("primitive has no POSITION attribute")

	// ErrUnsupportedMode is returned for primitives that are not triangle lists.
	ErrUnsupportedMode = errors.New("only triangle-list primitives are supported")
)

// loader is the implementation of the Loader interface.
type loader struct {
	mu  sync.RWMutex
	log *slog.Logger

	cache map[string][]*mesh.Mesh

	cellNormals bool
}

// Loader imports glTF geometry and keeps a cache of everything it has loaded. Each triangle
// primitive of the document becomes one mesh.Mesh ready to hand to a mesh.Mapper.
type Loader interface {
	// Load imports a .gltf or .glb file. A path that was loaded before is served from the cache.
	//
	// Parameters:
	//   - path: the file path of the document
	//
	// Returns:
	//   - []*mesh.Mesh: one mesh per triangle primitive
	//   - error: error if the file cannot be read or converted
	Load(path string) ([]*mesh.Mesh, error)

	// LoadReader imports a document from r and caches the result under name.
	// Relative buffer URIs resolve against the working directory.
	//
	// Parameters:
	//   - name: the cache key
	//   - r: the document source
	//   - isGLB: true when r holds a binary GLB container
	//
	// Returns:
	//   - []*mesh.Mesh: one mesh per triangle primitive
	//   - error: error if the document cannot be parsed or converted
	LoadReader(name string, r io.Reader, isGLB bool) ([]*mesh.Mesh, error)

	// Get returns the cached meshes for key, or nil.
	Get(key string) []*mesh.Mesh

	// Evict drops key from the cache.
	Evict(key string)
}

var _ Loader = (*loader)(nil)

// NewLoader creates a Loader.
//
// Parameters:
//   - options: functional options such as WithCellNormals or WithMeshes
//
// Returns:
//   - Loader: the new loader
func NewLoader(options ...LoaderBuilderOption) Loader {
	l := &loader{
		cache: make(map[string][]*mesh.Mesh),
	}
	for _, opt := range options {
		opt(l)
	}
	l.log = logger.Or(l.log).With("component", "Loader")
	return l
}

func (l *loader) Load(path string) ([]*mesh.Mesh, error) {
	if cached := l.Get(path); cached != nil {
		return cached, nil
	}

	var p gltfParser
	if err := p.parseFile(path); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return l.convertAndCache(path, &p)
}

func (l *loader) LoadReader(name string, r io.Reader, isGLB bool) ([]*mesh.Mesh, error) {
	var p gltfParser
	if err := p.parseReader(r, isGLB); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	return l.convertAndCache(name, &p)
}

func (l *loader) Get(key string) []*mesh.Mesh {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[key]
}

func (l *loader) Evict(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, key)
}

func (l *loader) convertAndCache(key string, p *gltfParser) ([]*mesh.Mesh, error) {
	meshes, err := l.convert(p)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", key, err)
	}

	l.mu.Lock()
	l.cache[key] = meshes
	l.mu.Unlock()

	l.log.Debug("loaded meshes", "key", key, "meshes", len(meshes))
	return meshes, nil
}

// convert turns every primitive of the parsed document into a mesh.
func (l *loader) convert(p *gltfParser) ([]*mesh.Mesh, error) {
	var out []*mesh.Mesh
	for mi, gm := range p.document.Meshes {
		name := gm.Name
		if name == "" {
			name = fmt.Sprintf("mesh_%d", mi)
		}
		for pi, prim := range gm.Primitives {
			primName := name
			if len(gm.Primitives) > 1 {
				primName = fmt.Sprintf("%s_prim%d", name, pi)
			}
			m, err := l.convertPrimitive(p, primName, prim)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", primName, err)
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (l *loader) convertPrimitive(p *gltfParser, name string, prim gltfPrimitive) (*mesh.Mesh, error) {
	if prim.Mode != nil && *prim.Mode != gltfPrimitiveModeTriangles {
		return nil, fmt.Errorf("%w: mode %d", ErrUnsupportedMode, *prim.Mode)
	}
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, ErrMissingPositions
	}

	m := &mesh.Mesh{Name: name}
	var err error
	if m.Positions, err = readFloatAccessor[mgl32.Vec3](p, posIdx, gltfAccessorTypeVec3); err != nil {
		return nil, fmt.Errorf("POSITION: %w", err)
	}
	if idx, ok := prim.Attributes["NORMAL"]; ok {
		if m.Normals, err = readFloatAccessor[mgl32.Vec3](p, idx, gltfAccessorTypeVec3); err != nil {
			return nil, fmt.Errorf("NORMAL: %w", err)
		}
	}
	if idx, ok := prim.Attributes["TEXCOORD_0"]; ok {
		if m.UVs, err = readFloatAccessor[mgl32.Vec2](p, idx, gltfAccessorTypeVec2); err != nil {
			return nil, fmt.Errorf("TEXCOORD_0: %w", err)
		}
	}
	if idx, ok := prim.Attributes["COLOR_0"]; ok {
		if m.Colors, err = p.readColors(idx); err != nil {
			return nil, fmt.Errorf("COLOR_0: %w", err)
		}
	}

	var indices []uint32
	if prim.Indices != nil {
		if indices, err = p.readIndices(*prim.Indices); err != nil {
			return nil, fmt.Errorf("indices: %w", err)
		}
	} else {
		indices = make([]uint32, len(m.Positions))
		for i := range indices {
			indices[i] = uint32(i)
		}
	}
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("%w: %d indices", mesh.ErrInvalidMesh, len(indices))
	}
	m.Triangles = make([][3]uint32, len(indices)/3)
	for i := range m.Triangles {
		m.Triangles[i] = [3]uint32{indices[i*3], indices[i*3+1], indices[i*3+2]}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Normals == nil {
		m.Normals = smoothNormals(m)
		l.log.Debug("generated point normals", "mesh", name, "points", len(m.Positions))
	}
	if l.cellNormals {
		m.ComputeCellNormals()
	}
	return m, nil
}

// smoothNormals averages the area-weighted face normals around each point.
// Points touched by no triangle, or only degenerate ones, get +Y.
func smoothNormals(m *mesh.Mesh) []mgl32.Vec3 {
	normals := make([]mgl32.Vec3, len(m.Positions))
	for _, tri := range m.Triangles {
		a, b, c := m.Positions[tri[0]], m.Positions[tri[1]], m.Positions[tri[2]]
		face := b.Sub(a).Cross(c.Sub(a))
		for _, idx := range tri {
			normals[idx] = normals[idx].Add(face)
		}
	}
	for i, n := range normals {
		if l := n.Len(); l > 0 {
			normals[i] = n.Mul(1 / l)
		} else {
			normals[i] = mgl32.Vec3{0, 1, 0}
		}
	}
	return normals
}
