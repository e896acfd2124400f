package common

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestExtractFrustumOrthographic(t *testing.T) {
	// the unit cube in x and y, z in [0, 1] after the WebGPU depth mapping
	f := ExtractFrustum(mgl32.Ident4())

	assert.InDelta(t, 1, f.Planes[FrustumLeft].Normal.X(), 1e-6)
	assert.InDelta(t, 1, f.Planes[FrustumLeft].Distance, 1e-6)
	assert.InDelta(t, -1, f.Planes[FrustumRight].Normal.X(), 1e-6)
	assert.InDelta(t, 1, f.Planes[FrustumNear].Normal.Z(), 1e-6)
	assert.InDelta(t, 0, f.Planes[FrustumNear].Distance, 1e-6)

	assert.True(t, f.ContainsSphere(mgl32.Vec3{0, 0, 0.5}, 0.1))
	assert.True(t, f.ContainsSphere(mgl32.Vec3{1.5, 0, 0.5}, 0.6), "straddling spheres are kept")
	assert.False(t, f.ContainsSphere(mgl32.Vec3{1.5, 0, 0.5}, 0.4))
	assert.False(t, f.ContainsSphere(mgl32.Vec3{0, 0, -0.5}, 0.1))
	assert.False(t, f.ContainsSphere(mgl32.Vec3{0, 0, 2}, 0.1))
}

func TestFrustumPacked(t *testing.T) {
	f := ExtractFrustum(mgl32.Ident4())
	packed := f.Packed()
	for i, p := range f.Planes {
		assert.Equal(t, p.Normal.Vec4(p.Distance), packed[i])
	}
	assert.Len(t, SliceToBytes(packed[:]), 96)
}

func TestAlignUpAndCeilDiv(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 16))
	assert.Equal(t, uint64(16), AlignUp(1, 16))
	assert.Equal(t, uint64(32), AlignUp(32, 16))
	assert.Equal(t, uint64(3), CeilDiv(7, 3))
	assert.Equal(t, uint64(0), CeilDiv(7, 0))
}

func TestBytesAs(t *testing.T) {
	data := SliceToBytes([]float32{1, 2, 3})
	assert.Len(t, data, 12)
	assert.Equal(t, []float32{1, 2, 3}, BytesAs[float32](data))
	assert.Nil(t, BytesAs[float64](data[:4]))

	copied := CopyBytesAs[uint16](data)
	data[0] = 0xff
	assert.NotEqual(t, uint16(0xff), copied[0]&0xff)
}

func TestDefaultLabel(t *testing.T) {
	assert.Equal(t, "named", DefaultLabel("named", "pass"))
	a, b := DefaultLabel("", "pass"), DefaultLabel("", "pass")
	assert.Regexp(t, `^pass-[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 3, Coalesce(0, 3, 4))
}
