package gpu

import (
	"github.com/Carmen-Shannon/oxy-compute/common"
)

// Kernel is the CPU implementation of one compute entry point. It is called once per invocation;
// invocations of one workgroup run sequentially on the same goroutine, workgroups run in parallel.
// Kernels must not rely on workgroup barriers or workgroup shared memory.
type Kernel func(inv *Invocation)

// Invocation is the per-invocation context handed to a Kernel.
type Invocation struct {
	GlobalInvocationID [3]uint32
	LocalInvocationID  [3]uint32
	WorkgroupID        [3]uint32
	NumWorkgroups      [3]uint32
	WorkgroupSize      [3]uint32

	bindings map[[2]uint32][]byte
}

// GlobalIndex flattens GlobalInvocationID in x-major order.
func (inv *Invocation) GlobalIndex() uint64 {
	sx := uint64(inv.NumWorkgroups[0]) * uint64(inv.WorkgroupSize[0])
	sy := uint64(inv.NumWorkgroups[1]) * uint64(inv.WorkgroupSize[1])
	return uint64(inv.GlobalInvocationID[0]) +
		uint64(inv.GlobalInvocationID[1])*sx +
		uint64(inv.GlobalInvocationID[2])*sx*sy
}

// Binding returns the bound byte range at (group, binding), or nil when nothing is bound there.
func (inv *Invocation) Binding(group, binding uint32) []byte {
	return inv.bindings[[2]uint32{group, binding}]
}

// BindingAs views the bound range at (group, binding) as a slice of T without copying. Writes to the
// slice land in the buffer.
//
// Parameters:
//   - inv: the invocation
//   - group: the bind group index
//   - binding: the binding index within the group
//
// Returns:
//   - []T: the typed view, nil when nothing is bound
func BindingAs[T any](inv *Invocation, group, binding uint32) []T {
	return common.BytesAs[T](inv.Binding(group, binding))
}
