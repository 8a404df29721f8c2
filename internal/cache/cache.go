package cache

import "sync/atomic"

// Snapshot is a lock-free, read-optimized container
// holding any immutable structure.
type Snapshot[T any] struct{ v atomic.Pointer[T] }

// Load returns the stored value, or the zero value if none is stored yet.
func (s *Snapshot[T]) Load() T {
	p := s.v.Load()
	if p == nil {
		var z T
		return z
	}
	return *p
}

// Store atomically swaps in the new value.
func (s *Snapshot[T]) Store(v T) {
	s.v.Store(&v)
}
