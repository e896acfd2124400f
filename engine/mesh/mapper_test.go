package mesh

import (
	"strings"
	"testing"

	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/renderer"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blackenShader = `
struct Window {
	byte_offset: u32,
	element_count: u32,
}

@group(0) @binding(0) var<storage, read_write> points: array<f32>;
@group(0) @binding(1) var<uniform> window: Window;

@compute @workgroup_size(64)
fn blacken_colors(@builtin(global_invocation_id) id: vec3<u32>) {
	if (id.x >= window.element_count) {
		return;
	}
	let base = window.byte_offset / 4u + id.x * 4u;
	points[base] = 0.0;
	points[base + 1u] = 0.0;
	points[base + 2u] = 0.0;
}
`

func blackenKernel(inv *gpu.Invocation) {
	points := gpu.BindingAs[float32](inv, 0, 0)
	window := gpu.BindingAs[uint32](inv, 0, 1)
	i := inv.GlobalInvocationID[0]
	if i >= window[1] {
		return
	}
	base := window[0]/4 + i*4
	points[base], points[base+1], points[base+2] = 0, 0, 0
}

func newTestDevice(t *testing.T) *gpu.SoftwareDevice {
	t.Helper()
	d := gpu.NewSoftwareDevice(gpu.WithWorkers(2), gpu.WithKernel("blacken_colors", blackenKernel))
	t.Cleanup(d.Release)
	return d
}

func triangle() *Mesh {
	return &Mesh{
		Name:      "triangle",
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Colors:    []mgl32.Vec4{{1, 0, 0, 1}, {0, 1, 0, 1}, {0, 0, 1, 0.5}},
		Triangles: [][3]uint32{{0, 1, 2}},
	}
}

func quad() *Mesh {
	return &Mesh{
		Name:      "quad",
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}},
		Colors:    []mgl32.Vec4{{1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}},
		Triangles: [][3]uint32{{0, 1, 2}, {0, 2, 3}},
	}
}

func newTestMapper(t *testing.T, d gpu.Device, m *Mesh) Mapper {
	t.Helper()
	mp := NewMapper(d, WithLabel(t.Name()), WithMesh(m))
	t.Cleanup(mp.Release)
	return mp
}

// blackenPass wires a PointColors handle of mp into a new pass of cp.
func blackenPass(t *testing.T, cp compute.ComputePipeline, mp Mapper) (compute.ComputePass, *compute.RenderBufferHandle) {
	t.Helper()
	h, err := mp.AcquirePointAttributeComputeRenderBuffer(compute.PointColors, 0, 0, 0, 1)
	require.NoError(t, err)
	pass := cp.CreateComputePass(
		compute.WithPassLabel("blacken"),
		compute.WithShaderSource(blackenShader),
		compute.WithEntryPoint("blacken_colors"),
	)
	require.NoError(t, pass.AddRenderBuffer(h))
	return pass, h
}

func TestPackLayout(t *testing.T) {
	m := triangle()
	m.UVs = []mgl32.Vec2{{0, 0}, {1, 0}, {0, 1}}

	l := packLayout(pointAttributes(m))
	assert.Equal(t, []compute.PointAttribute{compute.PointPositions, compute.PointColors, compute.PointUVs}, l.order)
	assert.Equal(t, AttributeRange{ByteOffset: 0, ByteSize: 36, Tuples: 3, Components: 3}, l.ranges[compute.PointPositions])
	assert.Equal(t, AttributeRange{ByteOffset: 36, ByteSize: 48, Tuples: 3, Components: 4}, l.ranges[compute.PointColors])
	assert.Equal(t, AttributeRange{ByteOffset: 84, ByteSize: 24, Tuples: 3, Components: 2}, l.ranges[compute.PointUVs])
	assert.Equal(t, uint64(128), l.size)

	_, ok := l.ranges[compute.PointNormals]
	assert.False(t, ok, "absent attributes are not packed")

	same := packLayout(pointAttributes(m))
	assert.True(t, l.equal(same))
	m.Normals = []mgl32.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}}
	assert.False(t, l.equal(packLayout(pointAttributes(m))))

	assert.Zero(t, packLayout(cellAttributes(triangle())).size)
}

func TestMapperUpload(t *testing.T) {
	d := newTestDevice(t)
	m := triangle()
	m.ComputeCellNormals()
	mp := newTestMapper(t, d, m)

	require.NoError(t, mp.Upload())
	require.NotNil(t, mp.PointBuffer())
	require.NotNil(t, mp.CellBuffer())
	assert.Equal(t, uint32(3), mp.IndexCount())
	assert.True(t, mp.PointBuffer().Usage().Has(gpu.BufferUsageVertex|gpu.BufferUsageStorage))
	assert.True(t, mp.IndexBuffer().Usage().Has(gpu.BufferUsageIndex))

	colors, err := ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	assert.Equal(t, m.Colors, colors)

	normals, err := ReadCellAttributeAs[mgl32.Vec3](mp, compute.CellNormals)
	require.NoError(t, err)
	assert.Equal(t, []mgl32.Vec3{{0, 0, 1}}, normals)

	_, err = mp.ReadCellAttribute(compute.CellColors)
	assert.ErrorIs(t, err, ErrAttributeMissing)
}

func TestMapperAcquireErrors(t *testing.T) {
	d := newTestDevice(t)

	empty := NewMapper(d)
	t.Cleanup(empty.Release)
	_, err := empty.AcquirePointAttributeComputeRenderBuffer(compute.PointColors, 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrNoMesh)

	mp := newTestMapper(t, d, triangle())
	_, err = mp.AcquirePointAttributeComputeRenderBuffer(compute.PointAttribute(42), 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = mp.AcquireCellAttributeComputeRenderBuffer(compute.CellAttribute(-1), 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = mp.AcquirePointAttributeComputeRenderBuffer(compute.PointNormals, 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrAttributeMissing)
	_, err = mp.AcquireCellAttributeComputeRenderBuffer(compute.CellColors, 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrAttributeMissing)

	broken := triangle()
	broken.Colors = broken.Colors[:2]
	mp.SetMesh(broken)
	_, err = mp.AcquirePointAttributeComputeRenderBuffer(compute.PointColors, 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidMesh)
}

func TestMapperAcquireHandle(t *testing.T) {
	d := newTestDevice(t)
	mp := newTestMapper(t, d, triangle())

	h, err := mp.AcquirePointAttributeComputeRenderBuffer(compute.PointColors, 0, 2, 1, 3)
	require.NoError(t, err)
	attr, ok := h.PointAttribute()
	assert.True(t, ok)
	assert.Equal(t, compute.PointColors, attr)
	assert.Equal(t, uint32(0), h.Group())
	assert.Equal(t, uint32(2), h.Binding())
	assert.Equal(t, uint32(1), h.WindowGroup())
	assert.Equal(t, uint32(3), h.WindowBinding())
	assert.Equal(t, uint32(36), h.WindowByteOffset())
	assert.Equal(t, uint32(3), h.WindowElementCount(), "one element per point")
	assert.Same(t, mp.PointBuffer(), h.ExternalBuffer())
	assert.Equal(t, compute.BufferModeReadWriteStorage, h.Mode())
}

// A compute pass writes black into the color attribute; the mapper must not overwrite it until the
// CPU colors are marked modified.
func TestMapperComputeAliasing(t *testing.T) {
	d := newTestDevice(t)
	m := triangle()
	mp := newTestMapper(t, d, m)
	cp := compute.NewComputePipeline(d)
	t.Cleanup(cp.Release)

	pass, _ := blackenPass(t, cp, mp)
	require.NoError(t, pass.Dispatch())
	require.NoError(t, cp.Update())

	want := []mgl32.Vec4{{0, 0, 0, 1}, {0, 0, 0, 1}, {0, 0, 0, 0.5}}
	colors, err := ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	assert.Equal(t, want, colors)

	m.Positions[1] = mgl32.Vec3{2, 0, 0}
	mp.MarkPointAttributeModified(compute.PointPositions)
	require.NoError(t, mp.Upload())

	positions, err := ReadPointAttributeAs[mgl32.Vec3](mp, compute.PointPositions)
	require.NoError(t, err)
	assert.Equal(t, mgl32.Vec3{2, 0, 0}, positions[1])
	colors, err = ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	assert.Equal(t, want, colors, "colors untouched by a positions upload")

	mp.MarkPointAttributeModified(compute.PointColors)
	require.NoError(t, mp.Upload())
	colors, err = ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	assert.Equal(t, m.Colors, colors)
}

func TestMapperReallocationRefreshesHandles(t *testing.T) {
	d := newTestDevice(t)
	mp := newTestMapper(t, d, triangle())
	cp := compute.NewComputePipeline(d)
	t.Cleanup(cp.Release)

	pass, h := blackenPass(t, cp, mp)
	before := mp.PointBuffer()

	mp.SetMesh(quad())
	require.NoError(t, mp.Upload())
	require.NotSame(t, before, mp.PointBuffer())
	assert.Same(t, mp.PointBuffer(), h.ExternalBuffer())
	assert.Equal(t, uint32(48), h.WindowByteOffset())
	assert.Equal(t, uint32(4), h.WindowElementCount())
	assert.True(t, pass.BindState().NeedsRebuild())

	require.NoError(t, pass.Dispatch())
	require.NoError(t, cp.Update())
	colors, err := ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	for i, c := range colors {
		assert.Equal(t, mgl32.Vec4{0, 0, 0, 1}, c, "point %d", i)
	}
}

func TestMapperDropsHandlesOfReleasedPasses(t *testing.T) {
	d := newTestDevice(t)
	mp := newTestMapper(t, d, triangle())
	cp := compute.NewComputePipeline(d)
	t.Cleanup(cp.Release)

	pass, h := blackenPass(t, cp, mp)
	idle, err := mp.AcquirePointAttributeComputeRenderBuffer(compute.PointPositions, 0, 0, 0, 1)
	require.NoError(t, err)
	require.Len(t, mp.(*mapper).handles, 2)

	pass.Release()
	mp.SetMesh(quad())
	require.NoError(t, mp.Upload(), "a released pass is not a refresh failure")

	handles := mp.(*mapper).handles
	require.Len(t, handles, 1, "handle of the released pass dropped")
	assert.Same(t, idle, handles[0].handle, "a handle never added to a pass stays tracked")
	assert.Same(t, mp.PointBuffer(), idle.ExternalBuffer())
	assert.Equal(t, uint32(4), idle.WindowElementCount())

	before := h.ExternalBuffer()
	mp.SetMesh(triangle())
	require.NoError(t, mp.Upload())
	assert.Same(t, before, h.ExternalBuffer(), "dropped handle no longer refreshed")
	assert.Same(t, mp.PointBuffer(), idle.ExternalBuffer())
}

func TestMapperSameLayoutKeepsBuffer(t *testing.T) {
	d := newTestDevice(t)
	mp := newTestMapper(t, d, triangle())
	require.NoError(t, mp.Upload())
	before := mp.PointBuffer()

	next := triangle()
	next.Colors[0] = mgl32.Vec4{0.5, 0.5, 0.5, 1}
	mp.SetMesh(next)
	require.NoError(t, mp.Upload())
	assert.Same(t, before, mp.PointBuffer())

	colors, err := ReadPointAttributeAs[mgl32.Vec4](mp, compute.PointColors)
	require.NoError(t, err)
	assert.Equal(t, next.Colors, colors)
}

func TestMapperRenderStage(t *testing.T) {
	d := newTestDevice(t)
	var drawn []uint64
	mp := NewMapper(d, WithMesh(triangle()), WithDrawFunc(func(frame renderer.Frame, m Mapper) error {
		assert.NotNil(t, m.PointBuffer(), "uploaded before draw")
		drawn = append(drawn, frame.Index)
		return nil
	}))
	t.Cleanup(mp.Release)

	r := renderer.NewRenderer(d, renderer.WithRenderStage(mp))
	require.NoError(t, r.RenderFrame())
	require.NoError(t, r.RenderFrame())
	assert.Equal(t, []uint64{0, 1}, drawn)
	assert.True(t, strings.HasPrefix(mp.Label(), "mesh-mapper-"))
}

func TestMapperRelease(t *testing.T) {
	d := newTestDevice(t)
	mp := NewMapper(d, WithMesh(triangle()))
	h, err := mp.AcquirePointAttributeComputeRenderBuffer(compute.PointColors, 0, 0, 0, 1)
	require.NoError(t, err)

	mp.Release()
	mp.Release()
	assert.Nil(t, h.ExternalBuffer())
	assert.Nil(t, mp.PointBuffer())
	assert.ErrorIs(t, mp.Upload(), ErrReleased)
	_, err = mp.ReadPointAttribute(compute.PointColors)
	assert.ErrorIs(t, err, ErrReleased)
}
