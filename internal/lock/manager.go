// Package lock provides in-memory resource locking for executor runs: shared
// read / exclusive write locks over file paths, multi-resource acquisition
// with rollback, and wait-for-graph deadlock detection.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/log"
)

// Mode is the sharing mode of one lock.
type Mode int

const (
	// Read locks are shared: any number of readers may hold the same resource.
	Read Mode = iota
	// Write locks are exclusive.
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrConflict is returned when a resource is held in an incompatible mode.
	ErrConflict = errors.New("lock conflict")
	// ErrNotHeld is returned when releasing a lock the holder does not own.
	ErrNotHeld = errors.New("lock not held")
	// ErrReleaseForbidden is returned by ReleaseExpired: locks are never
	// auto-released on age alone, because the holder may still be mid-write.
	ErrReleaseForbidden = errors.New("expiry-based release is forbidden; holder may still be writing")
	// ErrDeadlock is returned by AcquireManyWait when the owner's wait would
	// close a cycle in the wait-for graph.
	ErrDeadlock = errors.New("deadlock")
)

// holder records one grant.
type holder struct {
	owner      string
	mode       Mode
	acquiredAt time.Time
}

// Manager tracks which owner holds which resource and in what mode.
// Owners are task ids; resources are file paths.
type Manager struct {
	mu    sync.Mutex
	locks map[string][]holder // resource -> current holders
	waits map[string][]string // owner -> resources it is blocked on
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[string][]holder),
		waits: make(map[string][]string),
	}
}

// compatible reports whether owner may take resource in mode given holders.
func compatible(holders []holder, owner string, mode Mode) bool {
	for _, h := range holders {
		if h.owner == owner {
			continue // re-entrant; upgrade handled by caller releasing first
		}
		if mode == Write || h.mode == Write {
			return false
		}
	}
	return true
}

// Acquire takes one resource for the owner. Returns ErrConflict when the
// resource is held in an incompatible mode.
func (m *Manager) Acquire(owner, resource string, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(owner, resource, mode)
}

func (m *Manager) acquireLocked(owner, resource string, mode Mode) error {
	holders := m.locks[resource]
	if !compatible(holders, owner, mode) {
		return fmt.Errorf("%w: %s held against %s %s", ErrConflict, resource, owner, mode)
	}
	for _, h := range holders {
		if h.owner == owner && h.mode >= mode {
			return nil // already held at sufficient strength
		}
	}
	m.locks[resource] = append(holders, holder{owner: owner, mode: mode, acquiredAt: time.Now()})
	log.Debug(log.CatLock, "acquired", "owner", owner, "resource", resource, "mode", mode)
	return nil
}

// AcquireMany takes all resources for the owner or none. Resources are
// acquired in sorted order so two owners requesting overlapping sets cannot
// deadlock each other; on conflict, grants made so far are rolled back in
// reverse order.
func (m *Manager) AcquireMany(owner string, resources []string, mode Mode) error {
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()

	acquired := make([]string, 0, len(sorted))
	for _, resource := range sorted {
		if err := m.acquireLocked(owner, resource, mode); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				m.releaseLocked(owner, acquired[i])
			}
			return err
		}
		acquired = append(acquired, resource)
	}
	return nil
}

// AcquireManyWait blocks until every resource is granted, re-trying on
// conflict. While waiting the owner is registered in the wait-for graph; a
// wait that would close a cycle fails with ErrDeadlock instead of spinning
// against the other member forever.
func (m *Manager) AcquireManyWait(ctx context.Context, owner string, resources []string, mode Mode, retry time.Duration) error {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		err := m.AcquireMany(owner, resources, mode)
		if err == nil {
			m.SetWaiting(owner, nil)
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			m.SetWaiting(owner, nil)
			return err
		}
		m.SetWaiting(owner, resources)
		if cycle := m.DetectDeadlock(); onCycle(cycle, owner) {
			m.SetWaiting(owner, nil)
			return fmt.Errorf("%w: %s waiting in cycle %v", ErrDeadlock, owner, cycle)
		}
		select {
		case <-ctx.Done():
			m.SetWaiting(owner, nil)
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func onCycle(cycle []string, owner string) bool {
	for _, o := range cycle {
		if o == owner {
			return true
		}
	}
	return false
}

// Release gives up one resource. Returns ErrNotHeld if the owner does not
// hold it.
func (m *Manager) Release(owner, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.releaseLocked(owner, resource) {
		return fmt.Errorf("%w: %s by %s", ErrNotHeld, resource, owner)
	}
	return nil
}

func (m *Manager) releaseLocked(owner, resource string) bool {
	holders := m.locks[resource]
	for i, h := range holders {
		if h.owner == owner {
			holders = append(holders[:i], holders[i+1:]...)
			if len(holders) == 0 {
				delete(m.locks, resource)
			} else {
				m.locks[resource] = holders
			}
			log.Debug(log.CatLock, "released", "owner", owner, "resource", resource)
			return true
		}
	}
	return false
}

// ReleaseAll gives up every resource the owner holds and clears its waits.
// Called when a task reaches a terminal status.
func (m *Manager) ReleaseAll(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for resource, holders := range m.locks {
		for i, h := range holders {
			if h.owner == owner {
				holders = append(holders[:i], holders[i+1:]...)
				released++
				break
			}
		}
		if len(holders) == 0 {
			delete(m.locks, resource)
		} else {
			m.locks[resource] = holders
		}
	}
	delete(m.waits, owner)
	if released > 0 {
		log.Debug(log.CatLock, "released all", "owner", owner, "count", released)
	}
	return released
}

// ReleaseExpired always fails. A lock older than any threshold may still
// guard an in-flight write; stale holders are cleaned up through task
// recovery, which calls ReleaseAll once the task's fate is known.
func (m *Manager) ReleaseExpired(maxAge time.Duration) error {
	return ErrReleaseForbidden
}

// SetWaiting records that owner is blocked wanting the given resources.
// Pass nil to clear. Feeds DetectDeadlock.
func (m *Manager) SetWaiting(owner string, resources []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(resources) == 0 {
		delete(m.waits, owner)
		return
	}
	m.waits[owner] = append([]string(nil), resources...)
}

// Holders returns the owners currently holding the resource.
func (m *Manager) Holders(resource string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders := m.locks[resource]
	owners := make([]string, 0, len(holders))
	for _, h := range holders {
		owners = append(owners, h.owner)
	}
	return owners
}

// DetectDeadlock searches the wait-for graph for a cycle and returns the
// owners on it, or nil when no cycle exists. Owner A waits for owner B when
// A wants a resource B holds.
func (m *Manager) DetectDeadlock() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	edges := make(map[string][]string)
	for owner, wanted := range m.waits {
		for _, resource := range wanted {
			for _, h := range m.locks[resource] {
				if h.owner != owner {
					edges[owner] = append(edges[owner], h.owner)
				}
			}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(owner string) bool
	visit = func(owner string) bool {
		state[owner] = inStack
		stack = append(stack, owner)
		for _, next := range edges[owner] {
			switch state[next] {
			case inStack:
				for i, o := range stack {
					if o == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[owner] = done
		return false
	}

	owners := make([]string, 0, len(edges))
	for owner := range edges {
		owners = append(owners, owner)
	}
	sort.Strings(owners) // deterministic traversal
	for _, owner := range owners {
		if state[owner] == unvisited && visit(owner) {
			log.Warn(log.CatLock, "deadlock detected", "owners", fmt.Sprint(cycle))
			return cycle
		}
	}
	return nil
}
