// Package mesh holds triangle meshes and the Mapper that packs their point and cell attributes into
// shared device buffers. Compute passes bind those buffers through render-buffer handles acquired
// from the mapper, so results computed on the GPU are drawn without a round-trip through the CPU.
package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Mesh is the CPU-side geometry of a triangle mesh. Point attributes have one tuple per position;
// cell attributes have one tuple per triangle. Attributes left nil are not packed.
type Mesh struct {
	// Name is the mesh identifier.
	Name string

	// Positions are the point positions in model space.
	Positions []mgl32.Vec3

	// Colors are per-point RGBA colors.
	Colors []mgl32.Vec4

	// Normals are per-point normals.
	Normals []mgl32.Vec3

	// UVs are per-point texture coordinates.
	UVs []mgl32.Vec2

	// Triangles index into Positions.
	Triangles [][3]uint32

	// CellColors are per-triangle RGBA colors.
	CellColors []mgl32.Vec4

	// CellNormals are per-triangle normals.
	CellNormals []mgl32.Vec3
}

// NumberOfPoints returns the number of points.
func (m *Mesh) NumberOfPoints() int {
	return len(m.Positions)
}

// NumberOfCells returns the number of triangles.
func (m *Mesh) NumberOfCells() int {
	return len(m.Triangles)
}

// Validate checks that every attribute has one tuple per point or cell and that every triangle
// indexes an existing point.
//
// Returns:
//   - error: an ErrInvalidMesh describing the first problem found
func (m *Mesh) Validate() error {
	points, cells := len(m.Positions), len(m.Triangles)
	pointAttrs := []struct {
		name string
		n    int
	}{{"colors", len(m.Colors)}, {"normals", len(m.Normals)}, {"uvs", len(m.UVs)}}
	for _, a := range pointAttrs {
		if a.n != 0 && a.n != points {
			return fmt.Errorf("%w: %d point %s for %d points", ErrInvalidMesh, a.n, a.name, points)
		}
	}
	if n := len(m.CellColors); n != 0 && n != cells {
		return fmt.Errorf("%w: %d cell colors for %d cells", ErrInvalidMesh, n, cells)
	}
	if n := len(m.CellNormals); n != 0 && n != cells {
		return fmt.Errorf("%w: %d cell normals for %d cells", ErrInvalidMesh, n, cells)
	}
	for i, tri := range m.Triangles {
		for _, idx := range tri {
			if int(idx) >= points {
				return fmt.Errorf("%w: triangle %d references point %d of %d", ErrInvalidMesh, i, idx, points)
			}
		}
	}
	return nil
}

// Bounds returns the axis-aligned bounding box of the positions. An empty mesh returns zero vectors.
func (m *Mesh) Bounds() (lo, hi mgl32.Vec3) {
	if len(m.Positions) == 0 {
		return
	}
	lo, hi = m.Positions[0], m.Positions[0]
	for _, p := range m.Positions[1:] {
		for axis := range 3 {
			lo[axis] = min(lo[axis], p[axis])
			hi[axis] = max(hi[axis], p[axis])
		}
	}
	return lo, hi
}

// BoundingSphere returns a sphere enclosing every position, centered on the bounding box.
func (m *Mesh) BoundingSphere() (center mgl32.Vec3, radius float32) {
	lo, hi := m.Bounds()
	center = lo.Add(hi).Mul(0.5)
	for _, p := range m.Positions {
		radius = max(radius, p.Sub(center).Len())
	}
	return center, radius
}

// ComputeCellNormals fills CellNormals with the normalized face normal of every triangle.
// Degenerate triangles get a zero normal.
func (m *Mesh) ComputeCellNormals() {
	m.CellNormals = make([]mgl32.Vec3, len(m.Triangles))
	for i, tri := range m.Triangles {
		a, b, c := m.Positions[tri[0]], m.Positions[tri[1]], m.Positions[tri[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		if l := n.Len(); l > 0 {
			m.CellNormals[i] = n.Mul(1 / l)
		}
	}
}
