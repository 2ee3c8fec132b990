package lock

import "sync"

// Semaphore is the global executor concurrency gate. Acquisition never
// blocks: a poller that cannot get a permit leaves the task queued and tries
// again next cycle.
type Semaphore struct {
	mu   sync.Mutex
	held int
	size int
}

// NewSemaphore returns a semaphore with the given number of permits.
// Size must be at least 1.
func NewSemaphore(size int) *Semaphore {
	if size < 1 {
		size = 1
	}
	return &Semaphore{size: size}
}

// TryAcquire takes one permit if available and reports whether it did.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held >= s.size {
		return false
	}
	s.held++
	return true
}

// Release returns one permit. Releasing more than was acquired is a
// programming error and panics.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == 0 {
		panic("semaphore: release without acquire")
	}
	s.held--
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Size returns the total number of permits.
func (s *Semaphore) Size() int {
	return s.size
}
