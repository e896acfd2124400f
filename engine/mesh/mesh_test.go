package mesh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestMeshValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(m *Mesh)
		valid  bool
	}{
		{"complete", func(*Mesh) {}, true},
		{"no colors", func(m *Mesh) { m.Colors = nil }, true},
		{"short colors", func(m *Mesh) { m.Colors = m.Colors[:1] }, false},
		{"long uvs", func(m *Mesh) { m.UVs = make([]mgl32.Vec2, 4) }, false},
		{"cell colors", func(m *Mesh) { m.CellColors = []mgl32.Vec4{{1, 1, 1, 1}} }, true},
		{"extra cell normals", func(m *Mesh) { m.CellNormals = make([]mgl32.Vec3, 2) }, false},
		{"index out of range", func(m *Mesh) { m.Triangles[0][2] = 3 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := triangle()
			tt.modify(m)
			err := m.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMesh)
			}
		})
	}
}

func TestMeshBounds(t *testing.T) {
	lo, hi := (&Mesh{}).Bounds()
	assert.Equal(t, mgl32.Vec3{}, lo)
	assert.Equal(t, mgl32.Vec3{}, hi)

	m := &Mesh{Positions: []mgl32.Vec3{{-1, 2, 0}, {3, -2, 1}, {0, 0, -1}}}
	lo, hi = m.Bounds()
	assert.Equal(t, mgl32.Vec3{-1, -2, -1}, lo)
	assert.Equal(t, mgl32.Vec3{3, 2, 1}, hi)

	center, radius := m.BoundingSphere()
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, center)
	for _, p := range m.Positions {
		assert.LessOrEqual(t, p.Sub(center).Len(), radius+1e-6)
	}
}

func TestMeshComputeCellNormals(t *testing.T) {
	m := quad()
	m.Triangles = append(m.Triangles, [3]uint32{0, 0, 1})
	m.ComputeCellNormals()
	assert.Equal(t, []mgl32.Vec3{{0, 0, 1}, {0, 0, 1}, {}}, m.CellNormals)
	assert.Equal(t, 4, m.NumberOfPoints())
	assert.Equal(t, 3, m.NumberOfCells())
}
