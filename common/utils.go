package common

import "github.com/google/uuid"

// Coalesce returns the first non-zero value from the provided values, or the zero value if all are zero.
//
// Parameters:
//   - values: a variadic list of values to check for non-zero status
//
// Returns:
//   - T: the first non-zero value from the input, or the zero value if all are zero
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// DefaultLabel returns label when it is set, otherwise a prefixed random identifier so every GPU
// object still carries a unique name in validation messages.
func DefaultLabel(label, prefix string) string {
	return Coalesce(label, prefix+"-"+uuid.NewString()[:8])
}
