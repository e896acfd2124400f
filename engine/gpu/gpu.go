// Package gpu is the device layer the compute subsystem records against. A Device owns buffers,
// compiled compute programs and command encoders; two implementations exist, one on wgpu and one
// that executes registered Go kernels on the CPU.
package gpu

import (
	"errors"
)

// BackendType identifies the Device implementation.
type BackendType int

const (
	// BackendTypeWGPU selects the WebGPU device backed by wgpu-native.
	BackendTypeWGPU BackendType = iota

	// BackendTypeSoftware selects the CPU device that runs Go kernels registered per entry point.
	BackendTypeSoftware
)

func (b BackendType) String() string {
	switch b {
	case BackendTypeWGPU:
		return "wgpu"
	case BackendTypeSoftware:
		return "software"
	}
	return "unknown"
}

// BufferUsage is a bit set of the ways a buffer may be used. The bit values match WebGPU.
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageMapWrite
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageUniform
	BufferUsageStorage
)

// Has reports whether every bit of flag is set.
func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

// BindingType is the buffer binding type declared in a bind-group layout entry.
type BindingType int

const (
	BindingTypeUniform BindingType = iota
	BindingTypeStorage
	BindingTypeReadOnlyStorage
)

func (b BindingType) String() string {
	switch b {
	case BindingTypeUniform:
		return "uniform"
	case BindingTypeStorage:
		return "storage"
	case BindingTypeReadOnlyStorage:
		return "read-only-storage"
	}
	return "unknown"
}

// Limits are the device limits the compute subsystem checks against.
type Limits struct {
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxBindGroups                     uint32
	MinUniformBufferOffsetAlignment   uint32
	MinStorageBufferOffsetAlignment   uint32
	MaxStorageBufferBindingSize       uint64
	MaxBufferSize                     uint64
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxBindGroups:                     4,
		MinUniformBufferOffsetAlignment:   256,
		MinStorageBufferOffsetAlignment:   256,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxBufferSize:                     256 << 20,
	}
}

// CopyBufferAlignment is the alignment WebGPU requires for queue writes and buffer copies.
const CopyBufferAlignment = 4

// MapAlignment is the alignment WebGPU requires for map offsets.
const MapAlignment = 8

var (
	// ErrReleased is returned when an object is used after Release.
	ErrReleased = errors.New("gpu: object already released")

	// ErrInvalidUsage is returned when a buffer lacks the usage an operation needs.
	ErrInvalidUsage = errors.New("gpu: buffer usage does not permit operation")

	// ErrOutOfBounds is returned when an offset and size fall outside a buffer.
	ErrOutOfBounds = errors.New("gpu: range out of bounds")

	// ErrUnaligned is returned when an offset or size breaks a WebGPU alignment rule.
	ErrUnaligned = errors.New("gpu: offset or size not aligned")

	// ErrMapPending is returned when a buffer is mapped or a map is already pending.
	ErrMapPending = errors.New("gpu: buffer map already pending")

	// ErrMapAborted is delivered to map callbacks whose buffer was released before the map completed.
	ErrMapAborted = errors.New("gpu: buffer map aborted")

	// ErrEntryPointNotFound is returned when a program names an entry point the shader does not declare.
	ErrEntryPointNotFound = errors.New("gpu: entry point not found")

	// ErrKernelNotRegistered is returned by the software device when no kernel exists for an entry point.
	ErrKernelNotRegistered = errors.New("gpu: no kernel registered for entry point")
)

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is a device buffer.
type Buffer interface {
	// Label retrieves the debug label the buffer was created with.
	Label() string

	// Size retrieves the allocated size in bytes.
	Size() uint64

	// Usage retrieves the usage flags the buffer was created with.
	Usage() BufferUsage

	// MapAsync requests a read mapping of [offset, offset+size). The callback runs during a later
	// Device.Poll with a nil error on success. The buffer needs BufferUsageMapRead.
	//
	// Parameters:
	//   - offset: the map offset, a multiple of MapAlignment
	//   - size: the map size, a multiple of CopyBufferAlignment
	//   - callback: invoked once with the map status
	//
	// Returns:
	//   - error: an error if the request is invalid and will never complete
	MapAsync(offset, size uint64, callback func(error)) error

	// MappedRange returns the mapped bytes of a buffer whose map completed. The slice is valid
	// until Unmap.
	MappedRange(offset, size uint64) []byte

	// Unmap releases a completed mapping.
	Unmap()

	// Release frees the device memory. Pending maps complete with ErrMapAborted.
	Release()
}

// Binding places one buffer range at a (group, binding) slot of a compute program.
type Binding struct {
	Group   uint32
	Binding uint32
	Type    BindingType
	Buffer  Buffer
	Offset  uint64
	// Size is the bound range; zero binds the rest of the buffer from Offset.
	Size uint64
}

// ProgramDescriptor describes a compute program: shader, entry point and the complete set of
// bound buffers. The bind-group layouts are derived from Bindings.
type ProgramDescriptor struct {
	Label      string
	Source     string
	EntryPoint string
	Bindings   []Binding
}

// Program is a compiled compute pipeline together with its bind groups.
type Program interface {
	// Label retrieves the program's debug label.
	Label() string

	// EntryPoint retrieves the entry point the program was compiled for.
	EntryPoint() string

	// Release frees the pipeline, layouts and bind groups. Bound buffers are not released.
	Release()
}

// CommandBuffer is a finished, submittable list of commands.
type CommandBuffer interface {
	Release()
}

// Encoder records commands for later submission.
type Encoder interface {
	// Dispatch records a compute dispatch of the program over the given workgroup grid.
	//
	// Parameters:
	//   - program: the program to dispatch
	//   - workgroups: the number of workgroups in x, y and z
	//
	// Returns:
	//   - error: an error if the encoder or program is no longer usable
	Dispatch(program Program, workgroups [3]uint32) error

	// CopyBufferToBuffer records a copy between two buffers.
	//
	// Parameters:
	//   - src: the source buffer, needs BufferUsageCopySrc
	//   - srcOffset: byte offset in src, a multiple of CopyBufferAlignment
	//   - dst: the destination buffer, needs BufferUsageCopyDst
	//   - dstOffset: byte offset in dst, a multiple of CopyBufferAlignment
	//   - size: number of bytes, a multiple of CopyBufferAlignment
	//
	// Returns:
	//   - error: an error if the copy is invalid
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error

	// Finish ends recording and returns the command buffer. The encoder cannot be used afterwards.
	Finish() (CommandBuffer, error)

	// Release frees an encoder that was not finished.
	Release()
}

// Device is the GPU device abstraction shared by compute pipelines, mesh mappers and the renderer.
type Device interface {
	// Label retrieves the device's debug label.
	Label() string

	// BackendType retrieves the implementation type.
	BackendType() BackendType

	// Limits retrieves the limits the device was created with.
	Limits() Limits

	// CreateBuffer allocates a buffer.
	//
	// Parameters:
	//   - desc: the label, size and usage of the buffer
	//
	// Returns:
	//   - Buffer: the created buffer
	//   - error: an error if the allocation failed
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// WriteBuffer queues a write of data into buf at offset. The write takes effect before any
	// command buffer submitted after this call.
	//
	// Parameters:
	//   - buf: the destination buffer, needs BufferUsageCopyDst
	//   - offset: byte offset, a multiple of CopyBufferAlignment
	//   - data: the bytes to write, length a multiple of CopyBufferAlignment
	//
	// Returns:
	//   - error: an error if the write is invalid
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// CreateProgram compiles a compute program and builds its bind groups.
	//
	// Parameters:
	//   - desc: the shader, entry point and bindings
	//
	// Returns:
	//   - Program: the compiled program
	//   - error: an error if compilation or layout creation failed
	CreateProgram(desc ProgramDescriptor) (Program, error)

	// CreateEncoder creates a command encoder.
	CreateEncoder(label string) (Encoder, error)

	// Submit submits command buffers to the queue in order.
	Submit(commands ...CommandBuffer) error

	// Poll services completed work and runs ready map callbacks.
	//
	// Parameters:
	//   - wait: true to block until all submitted work has completed
	//
	// Returns:
	//   - bool: true if the queue is empty
	Poll(wait bool) bool

	// Release frees the device. Objects created from it must not be used afterwards.
	Release()
}

// ValidateCopyRange checks a copy or write range against a buffer size and the WebGPU alignment
// rules.
//
// Parameters:
//   - bufferSize: the allocated size of the buffer
//   - offset: the start of the range
//   - size: the length of the range
//
// Returns:
//   - error: ErrUnaligned or ErrOutOfBounds, nil if the range is valid
func ValidateCopyRange(bufferSize, offset, size uint64) error {
	if offset%CopyBufferAlignment != 0 || size%CopyBufferAlignment != 0 {
		return ErrUnaligned
	}
	if offset+size > bufferSize || offset+size < offset {
		return ErrOutOfBounds
	}
	return nil
}
