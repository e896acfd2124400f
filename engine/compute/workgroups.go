package compute

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-compute/common"
)

// WorkgroupCount returns the number of workgroups of workgroupSize invocations needed to cover
// invocations, rounding up. A zero workgroup size yields zero.
func WorkgroupCount(invocations uint64, workgroupSize uint32) uint64 {
	return common.CeilDiv(invocations, uint64(workgroupSize))
}

// FactorWorkgroups spreads groupCount workgroups over a 3D grid whose dimensions each stay within
// maxPerDimension. The grid is {n, 1, 1} when n fits one dimension, {max, ceil(n/max), 1} when it
// fits two, and {max, max, ceil(n/max²)} otherwise. The grid may hold more workgroups than n; the
// shader must bounds-check its flattened index.
//
// Parameters:
//   - groupCount: the number of workgroups needed
//   - maxPerDimension: the device's maximum workgroups per dimension
//
// Returns:
//   - [3]uint32: the grid
//   - error: ErrWorkgroupCapacity when groupCount exceeds maxPerDimension³
func FactorWorkgroups(groupCount uint64, maxPerDimension uint32) ([3]uint32, error) {
	m := uint64(maxPerDimension)
	if m == 0 {
		return [3]uint32{}, fmt.Errorf("%w: device reports no workgroups per dimension", ErrWorkgroupCapacity)
	}
	switch {
	case groupCount <= m:
		return [3]uint32{uint32(groupCount), 1, 1}, nil
	case groupCount <= m*m:
		return [3]uint32{maxPerDimension, uint32(common.CeilDiv(groupCount, m)), 1}, nil
	case groupCount <= m*m*m:
		return [3]uint32{maxPerDimension, maxPerDimension, uint32(common.CeilDiv(groupCount, m*m))}, nil
	}
	return [3]uint32{}, fmt.Errorf("%w: %d workgroups exceed %d³", ErrWorkgroupCapacity, groupCount, m)
}

// checkWorkgroups verifies every dimension against the device limit.
func checkWorkgroups(workgroups [3]uint32, maxPerDimension uint32) error {
	for axis, n := range workgroups {
		if n > maxPerDimension {
			return fmt.Errorf("%w: %d workgroups on axis %c, limit %d", ErrWorkgroupCapacity, n, "xyz"[axis], maxPerDimension)
		}
	}
	return nil
}
