// Package culling tests bounding spheres against a camera frustum on the GPU. The culler is an
// ordinary compute pass: it owns no device objects beyond its buffers and is scheduled by the
// compute pipeline it was created in, typically a pre-render pipeline of the renderer.
package culling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/go-gl/mathgl/mgl32"
)

// EntryPoint is the compute entry point of Shader.
const EntryPoint = "cull_spheres"

// WorkgroupSize is the number of spheres one workgroup tests.
const WorkgroupSize = 64

// Shader tests every sphere against six planes and writes 1 for visible, 0 for culled.
const Shader = `
struct Params {
	planes: array<vec4<f32>, 6>,
	count: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> spheres: array<vec4<f32>>;
@group(0) @binding(2) var<storage, read_write> visible: array<u32>;

@compute @workgroup_size(64)
fn cull_spheres(@builtin(global_invocation_id) id: vec3<u32>, @builtin(num_workgroups) groups: vec3<u32>) {
	let stride = groups.x * 64u;
	let i = id.x + id.y * stride + id.z * stride * groups.y;
	if (i >= params.count) {
		return;
	}
	let s = spheres[i];
	var inside = 1u;
	for (var p = 0u; p < 6u; p = p + 1u) {
		let plane = params.planes[p];
		if (dot(plane.xyz, s.xyz) + plane.w < -s.w) {
			inside = 0u;
		}
	}
	visible[i] = inside;
}
`

// paramsSize is the WGSL size of Params: six vec4 planes and a u32 padded to 16 bytes.
const paramsSize = 6*16 + 16

// Kernel is the CPU implementation of Shader for the software device.
func Kernel(inv *gpu.Invocation) {
	raw := gpu.BindingAs[float32](inv, 0, 0)
	count := gpu.BindingAs[uint32](inv, 0, 0)[24]
	i := inv.GlobalIndex()
	if i >= uint64(count) {
		return
	}
	s := gpu.BindingAs[mgl32.Vec4](inv, 0, 1)[i]
	visible := gpu.BindingAs[uint32](inv, 0, 2)
	visible[i] = 1
	for p := range 6 {
		plane := mgl32.Vec4{raw[p*4], raw[p*4+1], raw[p*4+2], raw[p*4+3]}
		if plane.Vec3().Dot(s.Vec3())+plane.W() < -s.W() {
			visible[i] = 0
		}
	}
}

// Sphere is a bounding sphere in world space. It packs as one vec4.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// VisibilityFunc receives one flag per sphere, in the order given to SetSpheres.
type VisibilityFunc func(visible []bool)

// ErrNoSpheres is returned by Cull before any sphere was set.
var ErrNoSpheres = errors.New("culling: no spheres to cull")

// frustumCuller is the implementation of the FrustumCuller interface.
type frustumCuller struct {
	label string
	log   *slog.Logger
	pass  compute.ComputePass

	params     int
	spheres    int
	visibility int
	count      int
	capacity   int
}

// FrustumCuller tests a set of bounding spheres against the frustum of a view-projection matrix
// with one compute dispatch.
type FrustumCuller interface {
	// Pass retrieves the compute pass the culler dispatches.
	Pass() compute.ComputePass

	// Count retrieves the number of spheres.
	Count() int

	// SetSpheres replaces the spheres. The buffers grow when the count exceeds their capacity.
	//
	// Parameters:
	//   - spheres: the bounding spheres
	//
	// Returns:
	//   - error: an error if the buffers could not be resized or written
	SetSpheres(spheres []Sphere) error

	// Cull records a dispatch against the frustum of viewProj and a read-back of the result. The
	// callback runs during the pipeline's next Update. The planes are written when Cull is called,
	// so a second Cull before that Update replaces them for both dispatches.
	//
	// Parameters:
	//   - viewProj: the combined projection * view matrix
	//   - callback: receives the visibility of every sphere
	//
	// Returns:
	//   - error: ErrNoSpheres or a dispatch error
	Cull(viewProj mgl32.Mat4, callback VisibilityFunc) error
}

var _ FrustumCuller = (*frustumCuller)(nil)

// NewFrustumCuller creates a culler as a new pass of cp. On the software device, Kernel must be
// registered for EntryPoint.
//
// Parameters:
//   - cp: the pipeline the culling pass is created in
//   - options: variadic list of FrustumCullerBuilderOption functions
//
// Returns:
//   - FrustumCuller: the created culler
//   - error: an error if the culler's buffers could not be added
func NewFrustumCuller(cp compute.ComputePipeline, options ...FrustumCullerBuilderOption) (FrustumCuller, error) {
	c := &frustumCuller{capacity: 64}
	for _, opt := range options {
		opt(c)
	}
	c.label = common.DefaultLabel(c.label, "frustum-culler")
	c.log = logger.Or(c.log).With("component", "FrustumCuller", "culler", c.label)
	c.pass = cp.CreateComputePass(
		compute.WithPassLabel(c.label),
		compute.WithShaderSource(Shader),
		compute.WithEntryPoint(EntryPoint),
	)

	params := compute.NewBufferDescriptor(0, 0, compute.BufferModeUniform)
	params.SetLabel(c.label + " params")
	params.SetByteSize(paramsSize)
	spheres := compute.NewBufferDescriptor(0, 1, compute.BufferModeReadOnlyStorage)
	spheres.SetLabel(c.label + " spheres")
	spheres.SetByteSize(uint64(c.capacity) * 16)
	visibility := compute.NewBufferDescriptor(0, 2, compute.BufferModeReadWriteMappableStorage)
	visibility.SetLabel(c.label + " visibility")
	visibility.SetByteSize(uint64(c.capacity) * 4)

	var err error
	if c.params, err = c.pass.AddBuffer(params); err != nil {
		return nil, err
	}
	if c.spheres, err = c.pass.AddBuffer(spheres); err != nil {
		return nil, err
	}
	if c.visibility, err = c.pass.AddBuffer(visibility); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *frustumCuller) Pass() compute.ComputePass {
	return c.pass
}

func (c *frustumCuller) Count() int {
	return c.count
}

func (c *frustumCuller) SetSpheres(spheres []Sphere) error {
	if n := len(spheres); n > c.capacity {
		capacity := max(n, c.capacity*2)
		if err := c.pass.ResizeBuffer(c.spheres, uint64(capacity)*16); err != nil {
			return err
		}
		if err := c.pass.ResizeBuffer(c.visibility, uint64(capacity)*4); err != nil {
			return err
		}
		c.capacity = capacity
		c.log.Debug("culling buffers grown", "capacity", capacity)
	}
	c.count = len(spheres)
	if c.count == 0 {
		return nil
	}
	return compute.UpdateBufferValues(c.pass, c.spheres, spheres, 0)
}

func (c *frustumCuller) Cull(viewProj mgl32.Mat4, callback VisibilityFunc) error {
	if c.count == 0 {
		return ErrNoSpheres
	}
	planes := common.ExtractFrustum(viewProj).Packed()
	params := make([]byte, paramsSize)
	copy(params, common.SliceToBytes(planes[:]))
	copy(params[6*16:], common.SliceToBytes([]uint32{uint32(c.count)}))
	if err := c.pass.UpdateBufferData(c.params, params, 0); err != nil {
		return fmt.Errorf("failed to write frustum planes: %w", err)
	}

	if err := c.pass.SetWorkgroupsForCount(compute.WorkgroupCount(uint64(c.count), WorkgroupSize)); err != nil {
		return err
	}
	if err := c.pass.Dispatch(); err != nil {
		return err
	}

	count := c.count
	return c.pass.ReadBufferFromGPU(c.visibility, func(data []byte, _ any) {
		flags := common.BytesAs[uint32](data)
		visible := make([]bool, count)
		for i := range visible {
			visible[i] = flags[i] != 0
		}
		callback(visible)
	}, nil)
}
