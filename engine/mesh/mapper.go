package mesh

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/compute"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/Carmen-Shannon/oxy-compute/engine/renderer"
)

// attributeUsage lets attribute buffers serve as vertex input, compute storage and copy endpoints.
const attributeUsage = gpu.BufferUsageStorage | gpu.BufferUsageVertex | gpu.BufferUsageCopyDst | gpu.BufferUsageCopySrc

// maxReadPolls bounds the blocking polls a synchronous read-back waits for.
const maxReadPolls = 8

// DrawFunc records the draw of a mapper's buffers. It is called by Render after dirty attributes
// were uploaded.
type DrawFunc func(frame renderer.Frame, m Mapper) error

// mapper is the implementation of the Mapper interface.
type mapper struct {
	// label is a debug label, also the prefix of every buffer label.
	label  string
	device gpu.Device
	log    *slog.Logger
	// mesh is the CPU copy uploaded by Upload.
	mesh *Mesh
	// draw records the draw call during Render, or nil for a mapper that only feeds compute passes.
	draw DrawFunc

	// The following fields describe the device buffers. A buffer is replaced only when its layout
	// changes; the previous one is released after acquired handles were refreshed.

	// pointLayout locates each point attribute inside pointBuffer.
	pointLayout bufferLayout[compute.PointAttribute]
	// cellLayout locates each cell attribute inside cellBuffer.
	cellLayout  bufferLayout[compute.CellAttribute]
	pointBuffer gpu.Buffer
	cellBuffer  gpu.Buffer
	// indexBuffer holds three uint32 indices per triangle.
	indexBuffer gpu.Buffer
	indexCount  uint32

	// dirtyPoints and dirtyCells hold the attributes to write at the next Upload.
	dirtyPoints  map[compute.PointAttribute]bool
	dirtyCells   map[compute.CellAttribute]bool
	dirtyIndices bool

	// handles are the acquired render buffers kept current across reallocations.
	handles []*acquiredHandle

	// released is set by Release; reads fail with ErrReleased afterwards.
	released bool
}

// acquiredHandle tracks a handle given out by an Acquire call.
type acquiredHandle struct {
	handle *compute.RenderBufferHandle
	// added is set once the handle was seen bound to a pass.
	added bool
}

// detached reports whether the pass the handle was added to has been collected.
func (a *acquiredHandle) detached() bool {
	if a.handle.AssociatedPass() != nil {
		a.added = true
		return false
	}
	return a.added
}

// Mapper packs a Mesh into device buffers: one for point attributes, one for cell attributes and
// one for triangle indices. Only attributes marked modified since the last upload are written, so
// results a compute pass stored into an attribute survive until the CPU copy changes.
//
// A Mapper is a renderer.RenderStage. It is not safe for concurrent use.
type Mapper interface {
	renderer.RenderStage

	// Device retrieves the device the mapper allocates on.
	Device() gpu.Device

	// Mesh retrieves the mapped mesh.
	Mesh() *Mesh

	// SetMesh replaces the mapped mesh. Every attribute is uploaded at the next Upload.
	//
	// Parameters:
	//   - m: the new mesh
	SetMesh(m *Mesh)

	// MarkPointAttributeModified schedules a point attribute for upload after its values changed
	// in the Mesh.
	//
	// Parameters:
	//   - attr: the modified attribute
	MarkPointAttributeModified(attr compute.PointAttribute)

	// MarkCellAttributeModified schedules a cell attribute for upload.
	//
	// Parameters:
	//   - attr: the modified attribute
	MarkCellAttributeModified(attr compute.CellAttribute)

	// Upload packs the mesh and writes modified attributes. When the packing changed, the buffers
	// are reallocated and every acquired render buffer and its compute pass are refreshed.
	//
	// Returns:
	//   - error: the joined upload and refresh errors
	Upload() error

	// PointBuffer retrieves the packed point-attribute buffer, nil before the first Upload.
	PointBuffer() gpu.Buffer

	// CellBuffer retrieves the packed cell-attribute buffer, nil when the mesh has no cell attributes.
	CellBuffer() gpu.Buffer

	// IndexBuffer retrieves the triangle index buffer.
	IndexBuffer() gpu.Buffer

	// IndexCount retrieves the number of indices in the index buffer.
	IndexCount() uint32

	// PointAttributeRange locates a point attribute in the point buffer.
	PointAttributeRange(attr compute.PointAttribute) (AttributeRange, bool)

	// CellAttributeRange locates a cell attribute in the cell buffer.
	CellAttributeRange(attr compute.CellAttribute) (AttributeRange, bool)

	// AcquirePointAttributeComputeRenderBuffer returns a handle binding the live point buffer at
	// (group, binding) with a window uniform at (windowGroup, windowBinding) locating attr. The
	// window element count is the number of points. The mapper keeps the handle current across
	// reallocations until the pass it was added to is released.
	//
	// Parameters:
	//   - attr: the point attribute to window
	//   - group: the bind group of the shared buffer
	//   - binding: the binding of the shared buffer
	//   - windowGroup: the bind group of the window uniform
	//   - windowBinding: the binding of the window uniform
	//
	// Returns:
	//   - *compute.RenderBufferHandle: the handle, ready for ComputePass.AddRenderBuffer
	//   - error: ErrUnknownAttribute, ErrAttributeMissing or an upload error
	AcquirePointAttributeComputeRenderBuffer(attr compute.PointAttribute, group, binding, windowGroup, windowBinding uint32) (*compute.RenderBufferHandle, error)

	// AcquireCellAttributeComputeRenderBuffer is AcquirePointAttributeComputeRenderBuffer for cell
	// attributes. The window element count is the number of cells.
	AcquireCellAttributeComputeRenderBuffer(attr compute.CellAttribute, group, binding, windowGroup, windowBinding uint32) (*compute.RenderBufferHandle, error)

	// ReadPointAttribute copies a point attribute out of the live buffer, blocking until the device
	// answers.
	//
	// Parameters:
	//   - attr: the attribute to read
	//
	// Returns:
	//   - []byte: the attribute bytes
	//   - error: an error if the attribute is missing or the read failed
	ReadPointAttribute(attr compute.PointAttribute) ([]byte, error)

	// ReadCellAttribute copies a cell attribute out of the live buffer.
	ReadCellAttribute(attr compute.CellAttribute) ([]byte, error)

	// Release frees the mapper's buffers. Acquired handles go stale.
	Release()
}

var _ Mapper = (*mapper)(nil)

// NewMapper creates a Mapper on device.
//
// Parameters:
//   - device: the device the attribute buffers are allocated on
//   - options: variadic list of MapperBuilderOption functions
//
// Returns:
//   - Mapper: the created mapper
func NewMapper(device gpu.Device, options ...MapperBuilderOption) Mapper {
	m := &mapper{
		device:      device,
		dirtyPoints: make(map[compute.PointAttribute]bool),
		dirtyCells:  make(map[compute.CellAttribute]bool),
	}
	for _, opt := range options {
		opt(m)
	}
	m.label = common.DefaultLabel(m.label, "mesh-mapper")
	m.log = logger.Or(m.log).With("component", "MeshMapper", "mapper", m.label)
	if m.mesh != nil {
		m.SetMesh(m.mesh)
	}
	return m
}

func (m *mapper) Label() string           { return m.label }
func (m *mapper) Device() gpu.Device      { return m.device }
func (m *mapper) Mesh() *Mesh             { return m.mesh }
func (m *mapper) PointBuffer() gpu.Buffer { return m.pointBuffer }
func (m *mapper) CellBuffer() gpu.Buffer  { return m.cellBuffer }
func (m *mapper) IndexBuffer() gpu.Buffer { return m.indexBuffer }
func (m *mapper) IndexCount() uint32      { return m.indexCount }

func (m *mapper) SetMesh(mesh *Mesh) {
	m.mesh = mesh
	for attr := compute.PointPositions; attr.Valid(); attr++ {
		m.dirtyPoints[attr] = true
	}
	for attr := compute.CellColors; attr.Valid(); attr++ {
		m.dirtyCells[attr] = true
	}
	m.dirtyIndices = true
}

func (m *mapper) MarkPointAttributeModified(attr compute.PointAttribute) {
	m.dirtyPoints[attr] = true
}

func (m *mapper) MarkCellAttributeModified(attr compute.CellAttribute) {
	m.dirtyCells[attr] = true
}

func (m *mapper) PointAttributeRange(attr compute.PointAttribute) (AttributeRange, bool) {
	r, ok := m.pointLayout.ranges[attr]
	return r, ok
}

func (m *mapper) CellAttributeRange(attr compute.CellAttribute) (AttributeRange, bool) {
	r, ok := m.cellLayout.ranges[attr]
	return r, ok
}

func (m *mapper) Upload() error {
	if m.released {
		return ErrReleased
	}
	if m.mesh == nil {
		return ErrNoMesh
	}
	if err := m.mesh.Validate(); err != nil {
		m.log.Error(err.Error(), "caller", "Upload")
		return err
	}

	var retired []gpu.Buffer
	pointsMoved, err := uploadPacked(m, "points", &m.pointBuffer, &m.pointLayout, pointAttributes(m.mesh), m.dirtyPoints, &retired)
	if err != nil {
		return err
	}
	cellsMoved, err := uploadPacked(m, "cells", &m.cellBuffer, &m.cellLayout, cellAttributes(m.mesh), m.dirtyCells, &retired)
	if err != nil {
		return err
	}
	if err := m.uploadIndices(&retired); err != nil {
		return err
	}

	var errs []error
	if pointsMoved || cellsMoved {
		errs = m.refreshHandles()
	}
	for _, b := range retired {
		b.Release()
	}
	return errors.Join(errs...)
}

// uploadPacked brings one packed buffer up to date. It reports whether the buffer was replaced.
func uploadPacked[A comparable](m *mapper, name string, buf *gpu.Buffer, current *bufferLayout[A], attrs []packedAttribute[A], dirty map[A]bool, retired *[]gpu.Buffer) (bool, error) {
	next := packLayout(attrs)
	moved := false
	if *buf == nil || !current.equal(next) {
		if *buf != nil {
			*retired = append(*retired, *buf)
			*buf = nil
		}
		if next.size > 0 {
			nb, err := m.device.CreateBuffer(gpu.BufferDescriptor{Label: m.label + " " + name, Size: next.size, Usage: attributeUsage})
			if err != nil {
				err = fmt.Errorf("failed to allocate %s buffer of %q: %w", name, m.label, err)
				m.log.Error(err.Error(), "caller", "Upload", "bytes", next.size)
				return false, err
			}
			*buf = nb
			m.log.Debug("attribute buffer allocated", "caller", "Upload", "buffer", name, "bytes", next.size)
		}
		*current = next
		for _, attr := range next.order {
			dirty[attr] = true
		}
		moved = true
	}

	for _, a := range attrs {
		if !dirty[a.attr] {
			continue
		}
		delete(dirty, a.attr)
		r, ok := next.ranges[a.attr]
		if !ok {
			continue
		}
		if err := m.device.WriteBuffer(*buf, uint64(r.ByteOffset), a.data); err != nil {
			err = fmt.Errorf("failed to upload %v of %q: %w", a.attr, m.label, err)
			m.log.Error(err.Error(), "caller", "Upload")
			return moved, err
		}
	}
	return moved, nil
}

func (m *mapper) uploadIndices(retired *[]gpu.Buffer) error {
	if !m.dirtyIndices {
		return nil
	}
	data := common.SliceToBytes(m.mesh.Triangles)
	size := common.AlignUp(uint64(len(data)), bufferAlignment)
	if m.indexBuffer != nil && m.indexBuffer.Size() != size {
		*retired = append(*retired, m.indexBuffer)
		m.indexBuffer = nil
	}
	if size > 0 && m.indexBuffer == nil {
		buf, err := m.device.CreateBuffer(gpu.BufferDescriptor{Label: m.label + " indices", Size: size, Usage: gpu.BufferUsageIndex | gpu.BufferUsageStorage | gpu.BufferUsageCopyDst})
		if err != nil {
			err = fmt.Errorf("failed to allocate index buffer of %q: %w", m.label, err)
			m.log.Error(err.Error(), "caller", "Upload")
			return err
		}
		m.indexBuffer = buf
	}
	if len(data) > 0 {
		if err := m.device.WriteBuffer(m.indexBuffer, 0, data); err != nil {
			return fmt.Errorf("failed to upload indices of %q: %w", m.label, err)
		}
	}
	m.indexCount = uint32(len(m.mesh.Triangles) * 3)
	m.dirtyIndices = false
	return nil
}

// refreshHandles re-points every acquired handle at the current buffers and pushes the change to
// the pass each handle was added to. Handles whose pass was released or collected are dropped.
func (m *mapper) refreshHandles() []error {
	var errs []error
	kept := m.handles[:0]
	for _, a := range m.handles {
		if a.detached() {
			continue
		}
		h := a.handle
		var (
			buf gpu.Buffer
			r   AttributeRange
			ok  bool
		)
		if attr, isPoint := h.PointAttribute(); isPoint {
			buf = m.pointBuffer
			r, ok = m.pointLayout.ranges[attr]
		} else if attr, isCell := h.CellAttribute(); isCell {
			buf = m.cellBuffer
			r, ok = m.cellLayout.ranges[attr]
		}
		if !ok {
			m.log.Warn("acquired attribute no longer present", "caller", "Upload", "handle", h.Label())
			h.SetExternalBuffer(nil)
			kept = append(kept, a)
			continue
		}
		h.SetExternalBuffer(buf)
		h.SetWindow(r.ByteOffset, r.Tuples)

		pass := h.AssociatedPass()
		if pass == nil {
			kept = append(kept, a)
			continue
		}
		if err := pass.UpdateRenderBuffer(h); err != nil {
			if errors.Is(err, compute.ErrReleased) {
				m.log.Debug("dropped handle of released pass", "caller", "Upload", "handle", h.Label(), "pass", pass.Label())
				continue
			}
			errs = append(errs, fmt.Errorf("failed to refresh %q in pass %q: %w", h.Label(), pass.Label(), err))
		}
		kept = append(kept, a)
	}
	clear(m.handles[len(kept):])
	m.handles = kept
	return errs
}

func (m *mapper) AcquirePointAttributeComputeRenderBuffer(attr compute.PointAttribute, group, binding, windowGroup, windowBinding uint32) (*compute.RenderBufferHandle, error) {
	const caller = "AcquirePointAttributeComputeRenderBuffer"
	if !attr.Valid() {
		return nil, m.report(caller, fmt.Errorf("%w: %v", ErrUnknownAttribute, attr))
	}
	if err := m.Upload(); err != nil {
		return nil, err
	}
	r, ok := m.pointLayout.ranges[attr]
	if !ok {
		return nil, m.report(caller, fmt.Errorf("%w: %v", ErrAttributeMissing, attr))
	}
	h := compute.NewPointRenderBuffer(attr, m.pointBuffer)
	m.configureHandle(h, attr.String(), r, group, binding, windowGroup, windowBinding)
	return h, nil
}

func (m *mapper) AcquireCellAttributeComputeRenderBuffer(attr compute.CellAttribute, group, binding, windowGroup, windowBinding uint32) (*compute.RenderBufferHandle, error) {
	const caller = "AcquireCellAttributeComputeRenderBuffer"
	if !attr.Valid() {
		return nil, m.report(caller, fmt.Errorf("%w: %v", ErrUnknownAttribute, attr))
	}
	if err := m.Upload(); err != nil {
		return nil, err
	}
	r, ok := m.cellLayout.ranges[attr]
	if !ok {
		return nil, m.report(caller, fmt.Errorf("%w: %v", ErrAttributeMissing, attr))
	}
	h := compute.NewCellRenderBuffer(attr, m.cellBuffer)
	m.configureHandle(h, attr.String(), r, group, binding, windowGroup, windowBinding)
	return h, nil
}

func (m *mapper) configureHandle(h *compute.RenderBufferHandle, name string, r AttributeRange, group, binding, windowGroup, windowBinding uint32) {
	h.SetLabel(m.label + " " + name)
	h.SetGroup(group)
	h.SetBinding(binding)
	h.SetWindowGroup(windowGroup)
	h.SetWindowBinding(windowBinding)
	h.SetWindow(r.ByteOffset, r.Tuples)

	kept := m.handles[:0]
	for _, a := range m.handles {
		if !a.detached() {
			kept = append(kept, a)
		}
	}
	clear(m.handles[len(kept):])
	m.handles = append(kept, &acquiredHandle{handle: h})
}

func (m *mapper) report(caller string, err error) error {
	m.log.Error(err.Error(), "caller", caller)
	return err
}

func (m *mapper) ReadPointAttribute(attr compute.PointAttribute) ([]byte, error) {
	if m.released {
		return nil, ErrReleased
	}
	r, ok := m.pointLayout.ranges[attr]
	if !ok || m.pointBuffer == nil {
		return nil, m.report("ReadPointAttribute", fmt.Errorf("%w: %v", ErrAttributeMissing, attr))
	}
	return m.readRange(m.pointBuffer, r)
}

func (m *mapper) ReadCellAttribute(attr compute.CellAttribute) ([]byte, error) {
	if m.released {
		return nil, ErrReleased
	}
	r, ok := m.cellLayout.ranges[attr]
	if !ok || m.cellBuffer == nil {
		return nil, m.report("ReadCellAttribute", fmt.Errorf("%w: %v", ErrAttributeMissing, attr))
	}
	return m.readRange(m.cellBuffer, r)
}

// readRange copies r out of buf through a staging buffer and waits for the map.
func (m *mapper) readRange(buf gpu.Buffer, r AttributeRange) ([]byte, error) {
	size := common.AlignUp(uint64(r.ByteSize), gpu.CopyBufferAlignment)
	staging, err := m.device.CreateBuffer(gpu.BufferDescriptor{Label: m.label + " read-back", Size: size, Usage: gpu.BufferUsageMapRead | gpu.BufferUsageCopyDst})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer staging.Release()

	enc, err := m.device.CreateEncoder(m.label + " read-back")
	if err != nil {
		return nil, err
	}
	if err := enc.CopyBufferToBuffer(buf, uint64(r.ByteOffset), staging, 0, size); err != nil {
		enc.Release()
		return nil, err
	}
	cb, err := enc.Finish()
	if err != nil {
		return nil, err
	}
	err = m.device.Submit(cb)
	cb.Release()
	if err != nil {
		return nil, err
	}

	var (
		done   bool
		mapErr error
	)
	if err := staging.MapAsync(0, size, func(err error) {
		done = true
		mapErr = err
	}); err != nil {
		return nil, err
	}
	for i := 0; !done && i < maxReadPolls; i++ {
		m.device.Poll(true)
	}
	if !done {
		return nil, ErrReadTimeout
	}
	if mapErr != nil {
		return nil, mapErr
	}
	defer staging.Unmap()
	data := staging.MappedRange(0, size)
	if uint64(len(data)) < uint64(r.ByteSize) {
		return nil, fmt.Errorf("%w: mapped %d of %d bytes", gpu.ErrOutOfBounds, len(data), r.ByteSize)
	}
	return append([]byte(nil), data[:r.ByteSize]...), nil
}

func (m *mapper) Render(frame renderer.Frame) error {
	if err := m.Upload(); err != nil {
		return err
	}
	if m.draw == nil {
		return nil
	}
	return m.draw(frame, m)
}

func (m *mapper) Release() {
	if m.released {
		return
	}
	m.released = true
	for _, b := range []gpu.Buffer{m.pointBuffer, m.cellBuffer, m.indexBuffer} {
		if b != nil {
			b.Release()
		}
	}
	m.pointBuffer, m.cellBuffer, m.indexBuffer = nil, nil, nil
	for _, a := range m.handles {
		a.handle.SetExternalBuffer(nil)
	}
	m.handles = nil
	m.log.Debug("mapper released")
}

// ReadPointAttributeAs reads a point attribute and converts it to a slice of T, e.g. mgl32.Vec4 for
// PointColors.
//
// Parameters:
//   - m: the mapper to read from
//   - attr: the attribute to read
//
// Returns:
//   - []T: the attribute values
//   - error: the read error
func ReadPointAttributeAs[T any](m Mapper, attr compute.PointAttribute) ([]T, error) {
	data, err := m.ReadPointAttribute(attr)
	if err != nil {
		return nil, err
	}
	return common.CopyBytesAs[T](data), nil
}

// ReadCellAttributeAs reads a cell attribute and converts it to a slice of T.
func ReadCellAttributeAs[T any](m Mapper, attr compute.CellAttribute) ([]T, error) {
	data, err := m.ReadCellAttribute(attr)
	if err != nil {
		return nil, err
	}
	return common.CopyBytesAs[T](data), nil
}
