package compute

import (
	"reflect"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-compute/common"
)

// DataArray is a typed array that knows its own value count and width, such as a mesh attribute
// array. BufferDescriptor.SetData stores it without copying.
type DataArray interface {
	// NumberOfValues returns the total value count, tuples times components.
	NumberOfValues() int

	// ValueByteWidth returns the size of one value in bytes.
	ValueByteWidth() int

	// ValueType returns the kind of the value type, e.g. reflect.Float32.
	ValueType() reflect.Kind

	// Bytes returns a view of the values as bytes.
	Bytes() []byte
}

// Scalar is the set of value types a TypedArray can hold.
type Scalar interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// TypedArray is a DataArray over a Go slice, grouped into tuples of NumberOfComponents values.
type TypedArray[T Scalar] struct {
	name       string
	components int
	values     []T
}

var _ DataArray = (*TypedArray[float32])(nil)

// NewTypedArray wraps values without copying. components below one is treated as one.
//
// Parameters:
//   - name: a diagnostic name
//   - components: values per tuple, e.g. 4 for RGBA colors
//   - values: the backing slice
//
// Returns:
//   - *TypedArray[T]: the wrapping array
func NewTypedArray[T Scalar](name string, components int, values []T) *TypedArray[T] {
	return &TypedArray[T]{name: name, components: max(components, 1), values: values}
}

func (a *TypedArray[T]) Name() string            { return a.name }
func (a *TypedArray[T]) NumberOfComponents() int { return a.components }
func (a *TypedArray[T]) NumberOfValues() int     { return len(a.values) }
func (a *TypedArray[T]) NumberOfTuples() int     { return len(a.values) / a.components }
func (a *TypedArray[T]) Values() []T             { return a.values }

func (a *TypedArray[T]) ValueByteWidth() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func (a *TypedArray[T]) ValueType() reflect.Kind {
	return reflect.TypeFor[T]().Kind()
}

func (a *TypedArray[T]) Bytes() []byte {
	return common.SliceToBytes(a.values)
}

// SetValues replaces the backing slice.
func (a *TypedArray[T]) SetValues(values []T) {
	a.values = values
}
