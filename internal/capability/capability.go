// Package capability describes optional collaborators that are probed once at startup.
//
// A Descriptor is either Available, carrying a handle, or Unavailable, carrying the
// reason the probe failed. Callers branch on the descriptor instead of catching errors
// at every call site.
package capability

// Descriptor is the outcome of probing an optional collaborator.
type Descriptor[T any] struct {
	handle    T
	reason    string
	available bool
}

// Available wraps a ready-to-use handle.
func Available[T any](handle T) Descriptor[T] {
	return Descriptor[T]{handle: handle, available: true}
}

// Unavailable records why a collaborator cannot be used.
func Unavailable[T any](reason string) Descriptor[T] {
	return Descriptor[T]{reason: reason}
}

// Get returns the handle and whether it is usable.
func (d Descriptor[T]) Get() (T, bool) {
	return d.handle, d.available
}

// Available reports whether the probe succeeded.
func (d Descriptor[T]) Available() bool { return d.available }

// Reason is empty for available descriptors.
func (d Descriptor[T]) Reason() string { return d.reason }
