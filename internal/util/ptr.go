// Package util holds small generic helpers shared across packages.
package util

// Ptr returns a pointer to v. Optional request fields such as MaxRetries
// use nil for "take the default", so literals need an address.
func Ptr[T any](v T) *T {
	return &v
}
