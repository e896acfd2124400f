package compute

import (
	"fmt"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/shader"
)

// BufferMode is the role a buffer plays in a compute shader.
type BufferMode int

const (
	// BufferModeReadOnlyStorage binds as `var<storage, read>`.
	BufferModeReadOnlyStorage BufferMode = iota

	// BufferModeReadWriteStorage binds as `var<storage, read_write>`.
	BufferModeReadWriteStorage

	// BufferModeReadWriteMappableStorage binds as `var<storage, read_write>` and may be read back with
	// ReadBufferFromGPU.
	BufferModeReadWriteMappableStorage

	// BufferModeUniform binds as `var<uniform>`.
	BufferModeUniform
)

func (m BufferMode) String() string {
	switch m {
	case BufferModeReadOnlyStorage:
		return "read-only-storage"
	case BufferModeReadWriteStorage:
		return "read-write-storage"
	case BufferModeReadWriteMappableStorage:
		return "read-write-mappable-storage"
	case BufferModeUniform:
		return "uniform"
	}
	return fmt.Sprintf("BufferMode(%d)", int(m))
}

// Usage returns the device usage flags a buffer in this mode is allocated with. Storage buffers
// cannot carry MapRead in WebGPU, so read-back goes through a staging copy and every mode keeps
// CopySrc.
func (m BufferMode) Usage() gpu.BufferUsage {
	if m == BufferModeUniform {
		return gpu.BufferUsageUniform | gpu.BufferUsageCopyDst | gpu.BufferUsageCopySrc
	}
	return gpu.BufferUsageStorage | gpu.BufferUsageCopyDst | gpu.BufferUsageCopySrc
}

// BindingType returns the bind-group layout entry type for this mode.
func (m BufferMode) BindingType() gpu.BindingType {
	switch m {
	case BufferModeUniform:
		return gpu.BindingTypeUniform
	case BufferModeReadOnlyStorage:
		return gpu.BindingTypeReadOnlyStorage
	}
	return gpu.BindingTypeStorage
}

// Alignment returns the allocation granularity of this mode in bytes.
func (m BufferMode) Alignment() uint64 {
	if m == BufferModeUniform {
		return 16
	}
	return 4
}

// Mappable reports whether buffers in this mode may be read back.
func (m BufferMode) Mappable() bool {
	return m == BufferModeReadWriteMappableStorage
}

// Matches reports whether a shader declaration of the given kind accepts a buffer in this mode.
func (m BufferMode) Matches(kind shader.BindingKind) bool {
	switch m {
	case BufferModeUniform:
		return kind == shader.BindingKindUniform
	case BufferModeReadOnlyStorage:
		return kind == shader.BindingKindReadOnlyStorage
	}
	return kind == shader.BindingKindStorage
}

// SourceKind identifies which data source of a descriptor is active.
type SourceKind int

const (
	// SourceKindNone means the descriptor carries no data; its byte size must be set explicitly.
	SourceKindNone SourceKind = iota

	// SourceKindRaw is a contiguous Go slice set with SetRawData.
	SourceKindRaw

	// SourceKindTagged is a DataArray set with SetData.
	SourceKindTagged
)

func (k SourceKind) String() string {
	switch k {
	case SourceKindNone:
		return "none"
	case SourceKindRaw:
		return "raw"
	case SourceKindTagged:
		return "tagged"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// BufferSource is the active data source of a descriptor.
type BufferSource struct {
	Kind             SourceKind
	Bytes            []byte
	ElementCount     int
	ElementByteWidth int
}

// ByteSize returns ElementCount * ElementByteWidth.
func (s BufferSource) ByteSize() uint64 {
	return uint64(s.ElementCount) * uint64(s.ElementByteWidth)
}

type rawSource struct {
	bytes        []byte
	count        int
	elementWidth int
}

// BufferDescriptor describes one compute buffer: where it binds, how the shader uses it, and where
// its initial contents come from. Setters never validate; the pass validates when the descriptor
// is added.
type BufferDescriptor struct {
	group    uint32
	binding  uint32
	mode     BufferMode
	label    string
	byteSize uint64

	active SourceKind
	raw    *rawSource
	tagged DataArray
}

// NewBufferDescriptor creates a descriptor at (group, binding) with the given mode.
func NewBufferDescriptor(group, binding uint32, mode BufferMode) *BufferDescriptor {
	return &BufferDescriptor{group: group, binding: binding, mode: mode}
}

func (d *BufferDescriptor) Group() uint32          { return d.group }
func (d *BufferDescriptor) Binding() uint32        { return d.binding }
func (d *BufferDescriptor) Mode() BufferMode       { return d.mode }
func (d *BufferDescriptor) Label() string          { return d.label }
func (d *BufferDescriptor) ByteSize() uint64       { return d.byteSize }
func (d *BufferDescriptor) SourceKind() SourceKind { return d.active }

func (d *BufferDescriptor) SetGroup(group uint32)     { d.group = group }
func (d *BufferDescriptor) SetBinding(binding uint32) { d.binding = binding }
func (d *BufferDescriptor) SetMode(mode BufferMode)   { d.mode = mode }
func (d *BufferDescriptor) SetLabel(label string)     { d.label = label }

// SetByteSize overrides the byte size. A later SetData or SetRawData recomputes it.
func (d *BufferDescriptor) SetByteSize(size uint64) { d.byteSize = size }

// SetData attaches a tagged array without copying it. A nil array clears the tagged source and
// falls back to the raw source, if one was set; with no source left the byte size is kept.
//
// Parameters:
//   - data: the array whose values become the buffer's initial contents
func (d *BufferDescriptor) SetData(data DataArray) {
	if data == nil {
		d.tagged = nil
		if d.raw != nil {
			d.active = SourceKindRaw
			d.byteSize = d.Source().ByteSize()
		} else {
			d.active = SourceKindNone
		}
		return
	}
	d.tagged = data
	d.active = SourceKindTagged
	d.byteSize = d.Source().ByteSize()
}

func (d *BufferDescriptor) setRaw(raw *rawSource) {
	if raw == nil {
		d.raw = nil
		if d.tagged != nil {
			d.active = SourceKindTagged
			d.byteSize = d.Source().ByteSize()
		} else {
			d.active = SourceKindNone
		}
		return
	}
	d.raw = raw
	d.active = SourceKindRaw
	d.byteSize = d.Source().ByteSize()
}

// SetRawData attaches a contiguous slice to d without copying it. The slice must stay alive and
// unmodified until the descriptor has been added to a pass. An empty slice clears the raw source
// and falls back to the tagged source, if one was set.
//
// Parameters:
//   - d: the descriptor to update
//   - data: the values to upload
func SetRawData[T any](d *BufferDescriptor, data []T) {
	if len(data) == 0 {
		d.setRaw(nil)
		return
	}
	var zero T
	d.setRaw(&rawSource{
		bytes:        common.SliceToBytes(data),
		count:        len(data),
		elementWidth: int(unsafe.Sizeof(zero)),
	})
}

// Source returns the active data source.
func (d *BufferDescriptor) Source() BufferSource {
	switch d.active {
	case SourceKindRaw:
		return BufferSource{
			Kind:             SourceKindRaw,
			Bytes:            d.raw.bytes,
			ElementCount:     d.raw.count,
			ElementByteWidth: d.raw.elementWidth,
		}
	case SourceKindTagged:
		return BufferSource{
			Kind:             SourceKindTagged,
			Bytes:            d.tagged.Bytes(),
			ElementCount:     d.tagged.NumberOfValues(),
			ElementByteWidth: d.tagged.ValueByteWidth(),
		}
	}
	return BufferSource{Kind: SourceKindNone}
}

// HasRawSource and HasTaggedSource report which source slots are filled, independent of which is active.
func (d *BufferDescriptor) HasRawSource() bool    { return d.raw != nil }
func (d *BufferDescriptor) HasTaggedSource() bool { return d.tagged != nil }

// displayName is used in reports.
func (d *BufferDescriptor) displayName() string {
	if d.label != "" {
		return d.label
	}
	return fmt.Sprintf("buffer(%d, %d)", d.group, d.binding)
}
