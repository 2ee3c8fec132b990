package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadLocksShared(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Read))
	require.NoError(t, m.Acquire("task-b", "/src/main.go", Read))
	require.ElementsMatch(t, []string{"task-a", "task-b"}, m.Holders("/src/main.go"))
}

func TestWriteLockExclusive(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Write))

	require.ErrorIs(t, m.Acquire("task-b", "/src/main.go", Write), ErrConflict)
	require.ErrorIs(t, m.Acquire("task-b", "/src/main.go", Read), ErrConflict)

	require.NoError(t, m.Release("task-a", "/src/main.go"))
	require.NoError(t, m.Acquire("task-b", "/src/main.go", Write))
}

func TestWriteBlockedByReader(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Read))
	require.ErrorIs(t, m.Acquire("task-b", "/src/main.go", Write), ErrConflict)
}

func TestAcquireReentrant(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Write))
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Write))
	require.NoError(t, m.Acquire("task-a", "/src/main.go", Read))

	require.NoError(t, m.Release("task-a", "/src/main.go"))
	require.Empty(t, m.Holders("/src/main.go"))
}

func TestReleaseNotHeld(t *testing.T) {
	m := NewManager()
	require.ErrorIs(t, m.Release("task-a", "/src/main.go"), ErrNotHeld)
}

func TestAcquireManyAllOrNothing(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-b", "/src/b.go", Write))

	err := m.AcquireMany("task-a", []string{"/src/c.go", "/src/a.go", "/src/b.go"}, Write)
	require.ErrorIs(t, err, ErrConflict)

	// The grants made before the conflict were rolled back.
	require.Empty(t, m.Holders("/src/a.go"))
	require.Empty(t, m.Holders("/src/c.go"))
	require.Equal(t, []string{"task-b"}, m.Holders("/src/b.go"))
}

func TestAcquireManySuccess(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AcquireMany("task-a", []string{"/z.go", "/a.go"}, Write))
	require.Equal(t, []string{"task-a"}, m.Holders("/a.go"))
	require.Equal(t, []string{"task-a"}, m.Holders("/z.go"))
}

func TestReleaseAll(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AcquireMany("task-a", []string{"/a.go", "/b.go"}, Write))
	require.NoError(t, m.Acquire("task-b", "/c.go", Read))

	require.Equal(t, 2, m.ReleaseAll("task-a"))
	require.Empty(t, m.Holders("/a.go"))
	require.Empty(t, m.Holders("/b.go"))
	require.Equal(t, []string{"task-b"}, m.Holders("/c.go"))
}

func TestReleaseExpiredForbidden(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))
	require.ErrorIs(t, m.ReleaseExpired(time.Nanosecond), ErrReleaseForbidden)
	// The holder keeps its lock no matter the age.
	require.Equal(t, []string{"task-a"}, m.Holders("/a.go"))
}

func TestDetectDeadlockCycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))
	require.NoError(t, m.Acquire("task-b", "/b.go", Write))

	// a wants b's resource, b wants a's: a cycle.
	m.SetWaiting("task-a", []string{"/b.go"})
	m.SetWaiting("task-b", []string{"/a.go"})

	cycle := m.DetectDeadlock()
	require.ElementsMatch(t, []string{"task-a", "task-b"}, cycle)
}

func TestDetectDeadlockNoCycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))
	m.SetWaiting("task-b", []string{"/a.go"})
	require.Nil(t, m.DetectDeadlock())

	// Clearing the wait removes the edge.
	m.SetWaiting("task-b", nil)
	require.Nil(t, m.DetectDeadlock())
}

func TestDetectDeadlockThreeParty(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))
	require.NoError(t, m.Acquire("task-b", "/b.go", Write))
	require.NoError(t, m.Acquire("task-c", "/c.go", Write))

	m.SetWaiting("task-a", []string{"/b.go"})
	m.SetWaiting("task-b", []string{"/c.go"})
	m.SetWaiting("task-c", []string{"/a.go"})

	cycle := m.DetectDeadlock()
	require.Len(t, cycle, 3)
}

func TestAcquireManyWaitGrantsAfterRelease(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))

	granted := make(chan error, 1)
	go func() {
		granted <- m.AcquireManyWait(context.Background(), "task-b", []string{"/a.go"}, Write, time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Release("task-a", "/a.go"))

	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never got the lock")
	}
	require.Equal(t, []string{"task-b"}, m.Holders("/a.go"))
}

func TestAcquireManyWaitHonorsContext(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.AcquireManyWait(ctx, "task-b", []string{"/a.go"}, Write, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned wait leaves no edge behind.
	require.Nil(t, m.DetectDeadlock())
}

func TestAcquireManyWaitDetectsDeadlock(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire("task-a", "/a.go", Write))
	require.NoError(t, m.Acquire("task-b", "/b.go", Write))

	done := make(chan error, 2)
	wait := func(owner, want string) {
		err := m.AcquireManyWait(context.Background(), owner, []string{want}, Write, time.Millisecond)
		if err != nil {
			m.ReleaseAll(owner) // unblock the other side
		}
		done <- err
	}
	go wait("task-a", "/b.go")
	go wait("task-b", "/a.go")

	err1, err2 := <-done, <-done
	if err1 == nil && err2 == nil {
		t.Fatal("both waiters succeeded; the cycle was never detected")
	}
	for _, err := range []error{err1, err2} {
		if err != nil {
			require.ErrorIs(t, err, ErrDeadlock)
		}
	}
}

func TestSemaphoreLimit(t *testing.T) {
	s := NewSemaphore(2)
	require.True(t, s.TryAcquire())
	require.True(t, s.TryAcquire())
	require.False(t, s.TryAcquire())
	require.Equal(t, 2, s.InUse())

	s.Release()
	require.True(t, s.TryAcquire())
}

func TestSemaphoreReleaseWithoutAcquirePanics(t *testing.T) {
	s := NewSemaphore(1)
	require.Panics(t, func() { s.Release() })
}

func TestSemaphoreConcurrent(t *testing.T) {
	s := NewSemaphore(4)
	var mu sync.Mutex
	peak := 0
	inUse := 0

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.TryAcquire() {
				return
			}
			mu.Lock()
			inUse++
			if inUse > peak {
				peak = inUse
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inUse--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak, 4)
	require.Zero(t, s.InUse())
}
