package mesh

import "errors"

var (
	// ErrInvalidMesh is returned when attribute lengths disagree with the point or cell count.
	ErrInvalidMesh = errors.New("mesh: invalid mesh")

	// ErrNoMesh is returned when an operation needs geometry and the mapper has none.
	ErrNoMesh = errors.New("mesh: mapper has no mesh")

	// ErrUnknownAttribute is returned for an attribute kind the mapper does not pack.
	ErrUnknownAttribute = errors.New("mesh: unknown attribute")

	// ErrAttributeMissing is returned when the mesh does not carry the requested attribute.
	ErrAttributeMissing = errors.New("mesh: attribute not present")

	// ErrReadTimeout is returned when the device did not answer a read-back.
	ErrReadTimeout = errors.New("mesh: read-back not serviced")

	// ErrReleased is returned when a mapper is used after Release.
	ErrReleased = errors.New("mesh: released")
)
