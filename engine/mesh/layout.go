package mesh

import (
	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
)

const (
	// attributeAlignment is the alignment of every attribute's first byte.
	attributeAlignment = 4
	// bufferAlignment is the granularity of the packed buffer size.
	bufferAlignment = 32
)

// AttributeRange locates one attribute inside a packed buffer.
type AttributeRange struct {
	// ByteOffset is the offset of the attribute's first tuple.
	ByteOffset uint32

	// ByteSize is the number of bytes the attribute occupies.
	ByteSize uint32

	// Tuples is the number of points or cells the attribute covers.
	Tuples uint32

	// Components is the number of float32 values per tuple.
	Components uint32
}

// packedAttribute is the CPU data of one attribute.
type packedAttribute[A comparable] struct {
	attr       A
	data       []byte
	tuples     int
	components int
}

// bufferLayout is the placement of every present attribute in one packed buffer.
type bufferLayout[A comparable] struct {
	order  []A
	ranges map[A]AttributeRange
	size   uint64
}

// packLayout places attributes back to back in the given order, each start aligned to
// attributeAlignment and the total aligned to bufferAlignment. Empty attributes are skipped.
func packLayout[A comparable](attrs []packedAttribute[A]) bufferLayout[A] {
	l := bufferLayout[A]{ranges: make(map[A]AttributeRange, len(attrs))}
	var offset uint64
	for _, a := range attrs {
		if len(a.data) == 0 {
			continue
		}
		offset = common.AlignUp(offset, attributeAlignment)
		l.order = append(l.order, a.attr)
		l.ranges[a.attr] = AttributeRange{
			ByteOffset: uint32(offset),
			ByteSize:   uint32(len(a.data)),
			Tuples:     uint32(a.tuples),
			Components: uint32(a.components),
		}
		offset += uint64(len(a.data))
	}
	l.size = common.AlignUp(offset, bufferAlignment)
	return l
}

// equal reports whether two layouts place every attribute identically.
func (l bufferLayout[A]) equal(other bufferLayout[A]) bool {
	if l.size != other.size || len(l.ranges) != len(other.ranges) {
		return false
	}
	for attr, r := range l.ranges {
		if o, ok := other.ranges[attr]; !ok || o != r {
			return false
		}
	}
	return true
}

func pointAttributes(m *Mesh) []packedAttribute[compute.PointAttribute] {
	return []packedAttribute[compute.PointAttribute]{
		{compute.PointPositions, common.SliceToBytes(m.Positions), len(m.Positions), 3},
		{compute.PointColors, common.SliceToBytes(m.Colors), len(m.Colors), 4},
		{compute.PointNormals, common.SliceToBytes(m.Normals), len(m.Normals), 3},
		{compute.PointUVs, common.SliceToBytes(m.UVs), len(m.UVs), 2},
	}
}

func cellAttributes(m *Mesh) []packedAttribute[compute.CellAttribute] {
	return []packedAttribute[compute.CellAttribute]{
		{compute.CellColors, common.SliceToBytes(m.CellColors), len(m.CellColors), 4},
		{compute.CellNormals, common.SliceToBytes(m.CellNormals), len(m.CellNormals), 3},
	}
}
