package compute

import "errors"

var (
	// ErrDuplicateBinding is returned when a buffer targets a (group, binding) pair already used in the pass.
	ErrDuplicateBinding = errors.New("compute: duplicate group/binding")

	// ErrMissingByteSize is returned when a descriptor has neither an explicit byte size nor a source to derive one.
	ErrMissingByteSize = errors.New("compute: buffer has no byte size and no data source")

	// ErrInvalidIndex is returned for a buffer index outside the pass's buffer list.
	ErrInvalidIndex = errors.New("compute: invalid buffer index")

	// ErrOversizedUpdate is returned when data plus offset would run past the end of a buffer.
	ErrOversizedUpdate = errors.New("compute: update exceeds buffer size")

	// ErrUnalignedWrite is returned when a write offset or length is not a multiple of 4 bytes.
	ErrUnalignedWrite = errors.New("compute: write offset or length not 4-byte aligned")

	// ErrNotMappable is returned when reading back a buffer whose mode is not ReadWriteMappableStorage.
	ErrNotMappable = errors.New("compute: buffer mode does not allow read-back")

	// ErrExternalBuffer is returned when a storage-owned operation targets a render buffer owned by its mapper.
	ErrExternalBuffer = errors.New("compute: buffer is owned by a mesh mapper")

	// ErrWorkgroupCapacity is returned when a workgroup count exceeds the device limit per dimension.
	ErrWorkgroupCapacity = errors.New("compute: workgroup count exceeds device limit")

	// ErrMissingShader is returned when a pass is dispatched without shader source.
	ErrMissingShader = errors.New("compute: shader source not set")

	// ErrEntryPointNotFound is returned when the entry point is unset or not declared by the shader.
	ErrEntryPointNotFound = errors.New("compute: entry point not found")

	// ErrBindingMismatch is returned when the shader's declared bindings disagree with the configured buffers.
	ErrBindingMismatch = errors.New("compute: shader binding does not match configured buffer")

	// ErrStaleRenderBuffer is returned when a render buffer's device buffer changed and the pass was not refreshed.
	ErrStaleRenderBuffer = errors.New("compute: render buffer reference is stale")

	// ErrRenderBufferInUse is returned when a render buffer handle is added to a second live pass.
	ErrRenderBufferInUse = errors.New("compute: render buffer already bound to another pass")

	// ErrReleased is returned when a pass or pipeline is used after Release.
	ErrReleased = errors.New("compute: released")
)
