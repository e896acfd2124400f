package compute

import (
	"encoding/binary"
	"fmt"
	"weak"

	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
)

// RenderBufferOwner says which attribute table of the mesh mapper a render buffer windows.
type RenderBufferOwner int

const (
	RenderBufferOwnerPoint RenderBufferOwner = iota
	RenderBufferOwnerCell
)

func (o RenderBufferOwner) String() string {
	if o == RenderBufferOwnerCell {
		return "cell"
	}
	return "point"
}

// PointAttribute names a per-point mesh attribute stored in the mapper's point buffer.
type PointAttribute int

const (
	PointPositions PointAttribute = iota
	PointColors
	PointNormals
	PointUVs
	numPointAttributes
)

func (a PointAttribute) String() string {
	switch a {
	case PointPositions:
		return "point-positions"
	case PointColors:
		return "point-colors"
	case PointNormals:
		return "point-normals"
	case PointUVs:
		return "point-uvs"
	}
	return fmt.Sprintf("PointAttribute(%d)", int(a))
}

// Valid reports whether a names a known point attribute.
func (a PointAttribute) Valid() bool {
	return a >= PointPositions && a < numPointAttributes
}

// CellAttribute names a per-cell mesh attribute stored in the mapper's cell buffer.
type CellAttribute int

const (
	CellColors CellAttribute = iota
	CellNormals
	numCellAttributes
)

func (a CellAttribute) String() string {
	switch a {
	case CellColors:
		return "cell-colors"
	case CellNormals:
		return "cell-normals"
	}
	return fmt.Sprintf("CellAttribute(%d)", int(a))
}

// Valid reports whether a names a known cell attribute.
func (a CellAttribute) Valid() bool {
	return a >= CellColors && a < numCellAttributes
}

// WindowUniformSize is the size of the auxiliary uniform that tells a shader where its attribute
// lives inside a shared render buffer. The layout is
//
//	struct Window { byte_offset: u32, element_count: u32 }
//
// padded to 16 bytes.
const WindowUniformSize = 16

// RenderBufferHandle is a BufferDescriptor that aliases a buffer owned by a mesh mapper instead of
// allocating its own. The shader binds the whole buffer at (Group, Binding) and locates its
// attribute through the window uniform at (WindowGroup, WindowBinding).
//
// Handles are produced by the mesh mapper's acquire functions. The back-reference to the pass the
// handle was added to is weak and never keeps the pass alive.
type RenderBufferHandle struct {
	BufferDescriptor

	owner          RenderBufferOwner
	pointAttribute PointAttribute
	cellAttribute  CellAttribute

	windowGroup        uint32
	windowBinding      uint32
	windowByteOffset   uint32
	windowElementCount uint32

	externalBuffer gpu.Buffer

	pass         weak.Pointer[computePass]
	storageIndex int
}

// NewPointRenderBuffer creates a handle windowing a point attribute of external. The handle
// defaults to BufferModeReadWriteStorage and a byte size equal to the external buffer.
func NewPointRenderBuffer(attribute PointAttribute, external gpu.Buffer) *RenderBufferHandle {
	h := newRenderBuffer(external)
	h.owner = RenderBufferOwnerPoint
	h.pointAttribute = attribute
	h.SetLabel(attribute.String())
	return h
}

// NewCellRenderBuffer creates a handle windowing a cell attribute of external.
func NewCellRenderBuffer(attribute CellAttribute, external gpu.Buffer) *RenderBufferHandle {
	h := newRenderBuffer(external)
	h.owner = RenderBufferOwnerCell
	h.cellAttribute = attribute
	h.SetLabel(attribute.String())
	return h
}

func newRenderBuffer(external gpu.Buffer) *RenderBufferHandle {
	h := &RenderBufferHandle{storageIndex: -1}
	h.SetMode(BufferModeReadWriteStorage)
	h.SetExternalBuffer(external)
	return h
}

func (h *RenderBufferHandle) Owner() RenderBufferOwner        { return h.owner }
func (h *RenderBufferHandle) WindowGroup() uint32             { return h.windowGroup }
func (h *RenderBufferHandle) WindowBinding() uint32           { return h.windowBinding }
func (h *RenderBufferHandle) WindowByteOffset() uint32        { return h.windowByteOffset }
func (h *RenderBufferHandle) WindowElementCount() uint32      { return h.windowElementCount }
func (h *RenderBufferHandle) ExternalBuffer() gpu.Buffer      { return h.externalBuffer }
func (h *RenderBufferHandle) SetWindowGroup(group uint32)     { h.windowGroup = group }
func (h *RenderBufferHandle) SetWindowBinding(binding uint32) { h.windowBinding = binding }

// PointAttribute returns the windowed point attribute. ok is false for cell handles.
func (h *RenderBufferHandle) PointAttribute() (attr PointAttribute, ok bool) {
	return h.pointAttribute, h.owner == RenderBufferOwnerPoint
}

// CellAttribute returns the windowed cell attribute. ok is false for point handles.
func (h *RenderBufferHandle) CellAttribute() (attr CellAttribute, ok bool) {
	return h.cellAttribute, h.owner == RenderBufferOwnerCell
}

// SetWindow sets the byte offset of the attribute inside the external buffer and its element count.
func (h *RenderBufferHandle) SetWindow(byteOffset, elementCount uint32) {
	h.windowByteOffset = byteOffset
	h.windowElementCount = elementCount
}

// SetExternalBuffer points the handle at a mapper-owned buffer and resets the byte size to the
// buffer's size.
func (h *RenderBufferHandle) SetExternalBuffer(buf gpu.Buffer) {
	h.externalBuffer = buf
	if buf != nil {
		h.SetByteSize(buf.Size())
	} else {
		h.SetByteSize(0)
	}
}

// AssociatedPass returns the pass the handle was added to, or nil if it was never added or the
// pass has been collected.
func (h *RenderBufferHandle) AssociatedPass() ComputePass {
	if p := h.pass.Value(); p != nil {
		return p
	}
	return nil
}

// windowBytes encodes the window uniform contents.
func (h *RenderBufferHandle) windowBytes() []byte {
	b := make([]byte, WindowUniformSize)
	binary.LittleEndian.PutUint32(b[0:4], h.windowByteOffset)
	binary.LittleEndian.PutUint32(b[4:8], h.windowElementCount)
	return b
}
