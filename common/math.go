package common

import (
	"unsafe"
)

// AlignUp rounds value up to the next multiple of alignment.
// Alignment must be a power of two; an alignment of zero returns value unchanged.
//
// Parameters:
//   - value: the value to align
//   - alignment: the required alignment (power of two)
//
// Returns:
//   - uint64: value rounded up to the next multiple of alignment
func AlignUp(value, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// CeilDiv returns the smallest integer q such that q*d >= n. A zero divisor returns zero.
func CeilDiv(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// SliceToBytes converts any slice to a byte slice for GPU buffer uploads.
// Uses unsafe pointer operations to create a view into the original data.
// WARNING: The returned slice shares memory with the input - do not modify.
//
// Parameters:
//   - data: source slice of any type
//
// Returns:
//   - []byte: byte slice view of the input data, or nil if input is empty
func SliceToBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	totalBytes := int(size) * len(data)
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), totalBytes)
}

// StructToBytes reinterprets a pointer to a struct as a raw byte slice using unsafe.
// The returned slice has length equal to the struct's size in memory.
//
// Parameters:
//   - v: pointer to the struct to reinterpret
//
// Returns:
//   - []byte: byte slice view of the struct's memory
func StructToBytes[T any](v *T) []byte {
	size := unsafe.Sizeof(*v)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), int(size))
}

// BytesAs reinterprets a byte slice as a slice of T sharing the same memory. Trailing bytes that
// do not fill a whole element are ignored. The input must be suitably aligned for T, which holds
// for buffers allocated by the gpu package.
//
// Parameters:
//   - data: the byte slice to reinterpret
//
// Returns:
//   - []T: a view of data as elements of T, or nil if data holds less than one element
func BytesAs[T any](data []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 || len(data) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/size)
}

// CopyBytesAs copies a byte slice into a freshly allocated slice of T. Unlike BytesAs the result
// does not alias data, so it stays valid after the source memory is unmapped or reused.
func CopyBytesAs[T any](data []byte) []T {
	view := BytesAs[T](data)
	out := make([]T, len(view))
	copy(out, view)
	return out
}
