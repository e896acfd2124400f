package camera

import (
	"unsafe"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/go-gl/mathgl/mgl32"
)

// GPUCameraUniformSource is the WGSL definition matching GPUCameraUniform.
const GPUCameraUniformSource = `
struct CameraUniform {
	view_proj: mat4x4<f32>,
	camera_position: vec3<f32>,
}
`

// GPUCameraUniform is the GPU-aligned representation of the camera uniform buffer.
// Size: 80 bytes.
type GPUCameraUniform struct {
	ViewProj       mgl32.Mat4 // offset  0
	CameraPosition mgl32.Vec3 // offset 64
	_pad           float32    // offset 76
}

// Size returns the size of the GPUCameraUniform struct in bytes.
//
// Returns:
//   - int: the struct size in bytes (80)
func (g *GPUCameraUniform) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the uniform for upload, e.g. with compute.SetRawData or a queue write.
//
// Returns:
//   - []byte: the serialized byte buffer
func (g *GPUCameraUniform) Marshal() []byte {
	return append([]byte(nil), common.StructToBytes(g)...)
}
