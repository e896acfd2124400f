package compute

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/google/uuid"
)

// entryKind distinguishes the three kinds of storage entries.
type entryKind int

const (
	// a buffer allocated and owned by the storage
	entryOwned entryKind = iota
	// a mapper-owned buffer registered through a RenderBufferHandle
	entryRender
	// the storage-owned window uniform of a render entry
	entryWindow
)

// bufferEntry is one slot of the storage arena. Its index never changes.
type bufferEntry struct {
	kind       entryKind
	descriptor BufferDescriptor
	render     *RenderBufferHandle
	// for entryRender, the index of its window entry; for entryWindow, the index of its render entry
	peer int

	buffer    gpu.Buffer
	allocSize uint64
}

func (e *bufferEntry) group() uint32   { return e.descriptor.Group() }
func (e *bufferEntry) binding() uint32 { return e.descriptor.Binding() }

// BufferStorage owns the device buffers of one compute pass. It is the only component that
// creates, resizes, recreates or releases them, and the only one that maps them for reading.
// Entries are addressed by stable indices.
type BufferStorage struct {
	// device allocates every owned and window buffer.
	device gpu.Device
	// log carries the owning pass's attributes plus component=BufferStorage.
	log *slog.Logger

	// entries is the arena addressed by buffer index; an index stays valid until Release.
	entries []*bufferEntry
	// requests holds pending read-backs, completed in order by the pipeline's Update.
	requests mapRequestQueue

	// retired buffers may still be referenced by recorded commands; they are released after the
	// next submit.
	retired []gpu.Buffer

	// encoder returns the owning pass's open command encoder.
	encoder func() (gpu.Encoder, error)
	// invalidate marks the owning pass's bind state dirty.
	invalidate func()

	// released is set by release; later operations fail with ErrReleased.
	released bool
}

func newBufferStorage(device gpu.Device, log *slog.Logger, encoder func() (gpu.Encoder, error), invalidate func()) *BufferStorage {
	return &BufferStorage{
		device:     device,
		log:        log.With("component", "BufferStorage"),
		encoder:    encoder,
		invalidate: invalidate,
	}
}

// Len returns the number of entries, window uniforms included.
func (s *BufferStorage) Len() int {
	return len(s.entries)
}

// report logs a configuration error and returns it.
func (s *BufferStorage) report(caller string, err error, attrs ...any) error {
	s.log.Error(err.Error(), append([]any{"caller", caller}, attrs...)...)
	return err
}

// CheckBufferIndex reports and returns false when index does not name an entry.
//
// Parameters:
//   - index: the buffer index to check
//   - caller: the calling function, included in the report
//
// Returns:
//   - bool: true if the index is valid
func (s *BufferStorage) CheckBufferIndex(index int, caller string) bool {
	if index < 0 || index >= len(s.entries) {
		s.log.Error("invalid buffer index", "caller", caller, "index", index, "expected", fmt.Sprintf("[0, %d)", len(s.entries)), "actual", index)
		return false
	}
	return true
}

// CheckBufferCorrectness reports and returns false when a descriptor cannot be added: its
// (group, binding) is already used, or it has no byte size and no source, or its source is larger
// than its explicit byte size.
//
// Parameters:
//   - d: the descriptor to check
//   - caller: the calling function, included in the report
//
// Returns:
//   - bool: true if the descriptor can be added
func (s *BufferStorage) CheckBufferCorrectness(d *BufferDescriptor, caller string) bool {
	return s.checkDescriptor(d, caller) == nil
}

func (s *BufferStorage) checkDescriptor(d *BufferDescriptor, caller string) error {
	if d == nil {
		return s.report(caller, fmt.Errorf("%w: nil descriptor", ErrMissingByteSize))
	}
	if i := s.find(d.Group(), d.Binding()); i >= 0 {
		return s.report(caller, fmt.Errorf("%w: (%d, %d) already used by %q", ErrDuplicateBinding, d.Group(), d.Binding(), s.entries[i].descriptor.displayName()),
			"group", d.Group(), "binding", d.Binding(), "index", i)
	}
	if d.ByteSize() == 0 {
		return s.report(caller, fmt.Errorf("%w: %q", ErrMissingByteSize, d.displayName()),
			"group", d.Group(), "binding", d.Binding(), "source", d.SourceKind().String())
	}
	if src := d.Source(); uint64(len(src.Bytes)) > d.ByteSize() {
		return s.report(caller, fmt.Errorf("%w: source of %q holds %d bytes, byte size is %d", ErrOversizedUpdate, d.displayName(), len(src.Bytes), d.ByteSize()),
			"expected", d.ByteSize(), "actual", len(src.Bytes))
	}
	return nil
}

// find returns the index of the entry at (group, binding), or -1.
func (s *BufferStorage) find(group, binding uint32) int {
	for i, e := range s.entries {
		if e.group() == group && e.binding() == binding {
			return i
		}
	}
	return -1
}

// allocate creates a device buffer for an owned entry.
func (s *BufferStorage) allocate(d *BufferDescriptor, size uint64) (gpu.Buffer, uint64, error) {
	allocSize := common.AlignUp(size, d.Mode().Alignment())
	buf, err := s.device.CreateBuffer(gpu.BufferDescriptor{
		Label: d.displayName(),
		Size:  allocSize,
		Usage: d.Mode().Usage(),
	})
	if err != nil {
		return nil, 0, err
	}
	return buf, allocSize, nil
}

// upload writes data at offset, zero-padding the tail to the copy alignment.
func (s *BufferStorage) upload(buf gpu.Buffer, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if rem := len(data) % gpu.CopyBufferAlignment; rem != 0 {
		padded := make([]byte, len(data)+gpu.CopyBufferAlignment-rem)
		copy(padded, data)
		data = padded
	}
	return s.device.WriteBuffer(buf, offset, data)
}

// AddBuffer validates a descriptor, allocates its device buffer and uploads its source if it has
// one. The descriptor is copied; later changes to d do not affect the entry.
//
// Parameters:
//   - d: the descriptor to add
//
// Returns:
//   - int: the stable index of the new entry, -1 on failure
//   - error: the reported configuration or allocation error
func (s *BufferStorage) AddBuffer(d *BufferDescriptor) (int, error) {
	const caller = "AddBuffer"
	if s.released {
		return -1, ErrReleased
	}
	if err := s.checkDescriptor(d, caller); err != nil {
		return -1, err
	}

	buf, allocSize, err := s.allocate(d, d.ByteSize())
	if err != nil {
		return -1, s.report(caller, fmt.Errorf("failed to allocate %q: %w", d.displayName(), err))
	}
	if err := s.upload(buf, 0, d.Source().Bytes); err != nil {
		buf.Release()
		return -1, s.report(caller, fmt.Errorf("failed to upload %q: %w", d.displayName(), err))
	}

	s.entries = append(s.entries, &bufferEntry{
		kind:       entryOwned,
		descriptor: *d,
		peer:       -1,
		buffer:     buf,
		allocSize:  allocSize,
	})
	s.invalidate()
	return len(s.entries) - 1, nil
}

// AddRenderBuffer registers a mapper-owned buffer at the handle's (group, binding) without
// allocating, and creates the handle's window uniform at (windowGroup, windowBinding).
//
// Parameters:
//   - h: the handle to add
//
// Returns:
//   - int: the index of the render entry, -1 on failure
//   - error: the reported configuration error
func (s *BufferStorage) AddRenderBuffer(h *RenderBufferHandle) (int, error) {
	const caller = "AddRenderBuffer"
	if s.released {
		return -1, ErrReleased
	}
	if h == nil || h.ExternalBuffer() == nil {
		return -1, s.report(caller, fmt.Errorf("%w: render buffer has no external buffer", ErrStaleRenderBuffer))
	}
	if err := s.checkDescriptor(&h.BufferDescriptor, caller); err != nil {
		return -1, err
	}
	if h.WindowGroup() == h.Group() && h.WindowBinding() == h.Binding() {
		return -1, s.report(caller, fmt.Errorf("%w: window uniform of %q shares (%d, %d) with the buffer", ErrDuplicateBinding, h.displayName(), h.Group(), h.Binding()))
	}
	if i := s.find(h.WindowGroup(), h.WindowBinding()); i >= 0 {
		return -1, s.report(caller, fmt.Errorf("%w: window (%d, %d) already used by %q", ErrDuplicateBinding, h.WindowGroup(), h.WindowBinding(), s.entries[i].descriptor.displayName()),
			"group", h.WindowGroup(), "binding", h.WindowBinding(), "index", i)
	}

	window := NewBufferDescriptor(h.WindowGroup(), h.WindowBinding(), BufferModeUniform)
	window.SetLabel(h.displayName() + " window")
	window.SetByteSize(WindowUniformSize)
	buf, allocSize, err := s.allocate(window, WindowUniformSize)
	if err != nil {
		return -1, s.report(caller, fmt.Errorf("failed to allocate window uniform: %w", err))
	}
	if err := s.upload(buf, 0, h.windowBytes()); err != nil {
		buf.Release()
		return -1, s.report(caller, fmt.Errorf("failed to write window uniform: %w", err))
	}

	renderIndex := len(s.entries)
	s.entries = append(s.entries,
		&bufferEntry{
			kind:       entryRender,
			descriptor: h.BufferDescriptor,
			render:     h,
			peer:       renderIndex + 1,
			buffer:     h.ExternalBuffer(),
			allocSize:  h.ExternalBuffer().Size(),
		},
		&bufferEntry{
			kind:       entryWindow,
			descriptor: *window,
			peer:       renderIndex,
			buffer:     buf,
			allocSize:  allocSize,
		},
	)
	h.storageIndex = renderIndex
	s.invalidate()
	return renderIndex, nil
}

// GetBufferByteSize returns the byte size of the entry at index.
func (s *BufferStorage) GetBufferByteSize(index int) (uint64, error) {
	if !s.CheckBufferIndex(index, "GetBufferByteSize") {
		return 0, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return s.entries[index].descriptor.ByteSize(), nil
}

// ResizeBuffer replaces the device buffer at index with one of newByteSize bytes. The contents are
// undefined afterwards; follow with UpdateBufferData.
//
// Parameters:
//   - index: the entry to resize
//   - newByteSize: the new size in bytes, non-zero
//
// Returns:
//   - error: the reported error, nil on success
func (s *BufferStorage) ResizeBuffer(index int, newByteSize uint64) error {
	return s.reallocate(index, newByteSize, "ResizeBuffer")
}

// RecreateBuffer swaps the low-level buffer at index while keeping its (group, binding). For an
// owned entry this allocates a new buffer of newByteSize bytes like ResizeBuffer. For a render
// entry it re-reads the handle's external buffer, which the mapper has already reallocated, and
// newByteSize is ignored in favor of that buffer's size.
//
// Parameters:
//   - index: the entry to recreate
//   - newByteSize: the new size in bytes for owned entries
//
// Returns:
//   - error: the reported error, nil on success
func (s *BufferStorage) RecreateBuffer(index int, newByteSize uint64) error {
	const caller = "RecreateBuffer"
	if s.released {
		return ErrReleased
	}
	if !s.CheckBufferIndex(index, caller) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if e := s.entries[index]; e.kind == entryRender {
		return s.refreshRender(e, caller)
	}
	return s.reallocate(index, newByteSize, caller)
}

func (s *BufferStorage) reallocate(index int, newByteSize uint64, caller string) error {
	if s.released {
		return ErrReleased
	}
	if !s.CheckBufferIndex(index, caller) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	e := s.entries[index]
	if e.kind != entryOwned {
		return s.report(caller, fmt.Errorf("%w: %q", ErrExternalBuffer, e.descriptor.displayName()), "index", index)
	}
	if newByteSize == 0 {
		return s.report(caller, fmt.Errorf("%w: %q resized to zero bytes", ErrMissingByteSize, e.descriptor.displayName()), "index", index)
	}

	buf, allocSize, err := s.allocate(&e.descriptor, newByteSize)
	if err != nil {
		return s.report(caller, fmt.Errorf("failed to reallocate %q: %w", e.descriptor.displayName(), err), "index", index)
	}
	s.retired = append(s.retired, e.buffer)
	e.buffer = buf
	e.allocSize = allocSize
	e.descriptor.SetByteSize(newByteSize)
	s.invalidate()
	s.log.Debug("buffer reallocated", "caller", caller, "index", index, "bytes", newByteSize)
	return nil
}

// refreshRender re-points a render entry at its handle's current external buffer and rewrites the
// window uniform.
func (s *BufferStorage) refreshRender(e *bufferEntry, caller string) error {
	h := e.render
	if h.ExternalBuffer() == nil {
		return s.report(caller, fmt.Errorf("%w: %q has no external buffer", ErrStaleRenderBuffer, h.displayName()))
	}
	window := s.entries[e.peer]
	if err := s.upload(window.buffer, 0, h.windowBytes()); err != nil {
		return s.report(caller, fmt.Errorf("failed to write window uniform of %q: %w", h.displayName(), err))
	}
	if e.buffer != h.ExternalBuffer() {
		e.buffer = h.ExternalBuffer()
		e.allocSize = h.ExternalBuffer().Size()
		s.invalidate()
	}
	e.descriptor.SetByteSize(h.ExternalBuffer().Size())
	return nil
}

// UpdateRenderBuffer refreshes the entry of a handle after its mapper reallocated or re-packed the
// shared buffer: the entry is re-pointed at the handle's external buffer and the window uniform is
// rewritten.
//
// Parameters:
//   - h: a handle previously added to this storage
//
// Returns:
//   - error: the reported error, nil on success
func (s *BufferStorage) UpdateRenderBuffer(h *RenderBufferHandle) error {
	const caller = "UpdateRenderBuffer"
	if s.released {
		return ErrReleased
	}
	if h == nil || !s.CheckBufferIndex(h.storageIndex, caller) || s.entries[h.storageIndex].render != h {
		return s.report(caller, fmt.Errorf("%w: render buffer was not added to this pass", ErrInvalidIndex))
	}
	return s.refreshRender(s.entries[h.storageIndex], caller)
}

// UpdateBufferData queues a write of data at byteOffset into the buffer at index. The write is
// visible to every dispatch recorded after this call. The offset must be a multiple of 4 and the
// range must lie within the buffer; otherwise nothing is written. The length must be a multiple of 4
// too unless the write ends at the buffer's byte size, in which case the tail is zero-padded.
//
// Parameters:
//   - index: the entry to write
//   - data: the bytes to write
//   - byteOffset: the destination offset
//
// Returns:
//   - error: the reported error, nil on success
func (s *BufferStorage) UpdateBufferData(index int, data []byte, byteOffset uint64) error {
	const caller = "UpdateBufferData"
	if s.released {
		return ErrReleased
	}
	if !s.CheckBufferIndex(index, caller) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	e := s.entries[index]
	size := e.descriptor.ByteSize()
	end := byteOffset + uint64(len(data))
	if end > size || end < byteOffset {
		return s.report(caller, fmt.Errorf("%w: %d bytes at offset %d into %q of %d bytes", ErrOversizedUpdate, len(data), byteOffset, e.descriptor.displayName(), size),
			"index", index, "expected", size, "actual", end)
	}
	// a write ending at the buffer's byte size may be padded into the allocation's alignment slack
	tail := end == size && common.AlignUp(end, gpu.CopyBufferAlignment) <= e.allocSize
	if byteOffset%gpu.CopyBufferAlignment != 0 || (len(data)%gpu.CopyBufferAlignment != 0 && !tail) {
		return s.report(caller, fmt.Errorf("%w: %d bytes at offset %d into %q", ErrUnalignedWrite, len(data), byteOffset, e.descriptor.displayName()),
			"index", index)
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.upload(e.buffer, byteOffset, data); err != nil {
		return s.report(caller, fmt.Errorf("failed to write %q: %w", e.descriptor.displayName(), err), "index", index)
	}
	return nil
}

// ReadBufferFromGPU records a copy of the buffer at index into a staging buffer and queues a map
// request. The callback fires during a later ComputePipeline.Update, never during this call.
//
// Parameters:
//   - index: the entry to read; its mode must be BufferModeReadWriteMappableStorage
//   - callback: receives the bytes, valid only during the call
//   - userdata: passed through to the callback
//
// Returns:
//   - error: the reported error, nil on success
func (s *BufferStorage) ReadBufferFromGPU(index int, callback MapCallback, userdata any) error {
	const caller = "ReadBufferFromGPU"
	if s.released {
		return ErrReleased
	}
	if !s.CheckBufferIndex(index, caller) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	e := s.entries[index]
	if !e.descriptor.Mode().Mappable() {
		return s.report(caller, fmt.Errorf("%w: %q is %s", ErrNotMappable, e.descriptor.displayName(), e.descriptor.Mode()),
			"index", index, "expected", BufferModeReadWriteMappableStorage.String(), "actual", e.descriptor.Mode().String())
	}
	if callback == nil {
		return s.report(caller, fmt.Errorf("nil callback for %q", e.descriptor.displayName()), "index", index)
	}

	byteSize := e.descriptor.ByteSize()
	mapSize := min(common.AlignUp(byteSize, gpu.CopyBufferAlignment), e.buffer.Size())
	staging, err := s.device.CreateBuffer(gpu.BufferDescriptor{
		Label: e.descriptor.displayName() + " staging",
		Size:  mapSize,
		Usage: gpu.BufferUsageMapRead | gpu.BufferUsageCopyDst,
	})
	if err != nil {
		return s.report(caller, fmt.Errorf("failed to create staging buffer: %w", err), "index", index)
	}
	enc, err := s.encoder()
	if err == nil {
		err = enc.CopyBufferToBuffer(e.buffer, 0, staging, 0, mapSize)
	}
	if err != nil {
		staging.Release()
		return s.report(caller, fmt.Errorf("failed to record read-back of %q: %w", e.descriptor.displayName(), err), "index", index)
	}

	s.requests.push(&mapRequest{
		id:       uuid.New(),
		index:    index,
		staging:  staging,
		byteSize: min(byteSize, mapSize),
		mapSize:  mapSize,
		callback: callback,
		userdata: userdata,
	})
	return nil
}

// checkRenderBuffers verifies that no render entry was left pointing at a buffer its handle no
// longer references.
func (s *BufferStorage) checkRenderBuffers() error {
	for i, e := range s.entries {
		if e.kind != entryRender {
			continue
		}
		if e.render.ExternalBuffer() == nil || e.render.ExternalBuffer() != e.buffer {
			return s.report("Dispatch", fmt.Errorf("%w: %q must be refreshed with UpdateRenderBuffer", ErrStaleRenderBuffer, e.descriptor.displayName()),
				"index", i, "group", e.group(), "binding", e.binding())
		}
	}
	return nil
}

// bindings returns the device bindings of all entries ordered by (group, binding).
func (s *BufferStorage) bindings() []gpu.Binding {
	out := make([]gpu.Binding, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, gpu.Binding{
			Group:   e.group(),
			Binding: e.binding(),
			Type:    e.descriptor.Mode().BindingType(),
			Buffer:  e.buffer,
		})
	}
	slices.SortFunc(out, func(a, b gpu.Binding) int {
		if a.Group != b.Group {
			return int(a.Group) - int(b.Group)
		}
		return int(a.Binding) - int(b.Binding)
	})
	return out
}

// pendingReads returns the number of queued read-backs.
func (s *BufferStorage) pendingReads() int {
	return s.requests.len()
}

// waitingReads returns the number of read-backs still waiting on the device.
func (s *BufferStorage) waitingReads() int {
	return s.requests.waiting()
}

// issueMaps starts the device maps of submitted read-backs.
func (s *BufferStorage) issueMaps() int {
	return s.requests.issue()
}

// drainMaps fires ready read-back callbacks.
func (s *BufferStorage) drainMaps() {
	s.requests.drain(func() bool { return !s.released }, s.reportMapError)
}

// abandonReads drops read-backs whose copy was lost with an unsubmitted encoder.
func (s *BufferStorage) abandonReads() {
	if n := s.requests.abandon(); n > 0 {
		s.log.Warn("dropped read-backs whose copy was not submitted", "count", n)
	}
}

func (s *BufferStorage) reportMapError(r *mapRequest, err error) {
	s.log.Error("buffer read-back failed", "caller", "ReadBufferFromGPU", "request", r.id.String(), "index", r.index, "error", err)
}

// releaseRetired frees buffers replaced since the last submit.
func (s *BufferStorage) releaseRetired() {
	for _, b := range s.retired {
		b.Release()
	}
	s.retired = nil
}

// release frees owned buffers and drops outstanding read-backs without firing them. Render entries
// are left to their mapper.
func (s *BufferStorage) release() {
	if s.released {
		return
	}
	s.released = true
	if n := s.requests.drop(); n > 0 {
		s.log.Debug("dropped pending read-backs", "count", n)
	}
	s.releaseRetired()
	for _, e := range s.entries {
		if e.kind != entryRender && e.buffer != nil {
			e.buffer.Release()
		}
		e.buffer = nil
	}
}
