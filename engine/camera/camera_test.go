package camera

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestCameraDepthRange(t *testing.T) {
	c := NewCamera(WithLookAt(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{}), WithClipPlanes(1, 10))

	project := func(p mgl32.Vec3) float32 {
		clip := c.ViewProjectionMatrix().Mul4x1(p.Vec4(1))
		return clip.Z() / clip.W()
	}
	assert.InDelta(t, 0, project(mgl32.Vec3{0, 0, 4}), 1e-5, "near plane maps to depth 0")
	assert.InDelta(t, 1, project(mgl32.Vec3{0, 0, -5}), 1e-5, "far plane maps to depth 1")
}

func TestCameraFrustum(t *testing.T) {
	c := NewCamera()
	f := c.Frustum()
	assert.True(t, f.ContainsSphere(mgl32.Vec3{}, 1))
	assert.False(t, f.ContainsSphere(mgl32.Vec3{0, 0, 5.05}, 0.01), "behind the eye")
	assert.False(t, f.ContainsSphere(mgl32.Vec3{50, 0, 0}, 1))

	c.SetLookAt(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{1, 0, 5})
	assert.False(t, c.Frustum().ContainsSphere(mgl32.Vec3{}, 1), "origin is beside the camera now")
	assert.True(t, c.Frustum().ContainsSphere(mgl32.Vec3{10, 0, 5}, 1))
}

func TestCameraUniform(t *testing.T) {
	c := NewCamera(WithAspect(16.0 / 9.0))
	u := c.Uniform()
	assert.Equal(t, 80, u.Size())
	assert.Equal(t, c.ViewProjectionMatrix(), u.ViewProj)
	assert.Equal(t, mgl32.Vec3{0, 0, 5}, u.CameraPosition)
	assert.Len(t, u.Marshal(), 80)
	assert.InDelta(t, 16.0/9.0, c.Aspect(), 1e-6)
}
