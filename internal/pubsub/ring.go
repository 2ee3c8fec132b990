package pubsub

import "sync"

// Ring is a fixed-capacity buffer that drops the oldest entries when full.
// It is single-writer, many-reader: one producer appends, any number of
// readers snapshot. Used for executor output so slow trace readers never
// block the stdio pump.
type Ring[T any] struct {
	mu      sync.RWMutex
	entries []T
	start   int
	count   int
}

// NewRing creates a ring buffer holding at most capacity entries.
// A capacity <= 0 defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{entries: make([]T, capacity)}
}

// Append adds an entry, evicting the oldest when the buffer is full.
func (r *Ring[T]) Append(entry T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

// Snapshot returns the buffered entries in insertion order.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
