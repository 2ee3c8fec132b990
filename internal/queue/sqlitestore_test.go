package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	enqueueOne(t, s1, "ns", "persisted")
	require.NoError(t, s1.Close())

	// Reopening migrates again without clobbering data and writes a backup.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	tasks, err := s2.ListByGroup(context.Background(), "ns", "group-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "persisted", tasks[0].Prompt)

	_, err = os.Stat(dbPath + ".bak")
	require.NoError(t, err)
}

func TestSQLiteStoreEnqueueAndClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first := enqueueOne(t, s, "ns", "first")
	second := enqueueOne(t, s, "ns", "second")

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, first.ID, claimed.ID)
	require.Equal(t, StatusRunning, claimed.Status)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.Equal(t, second.ID, claimed.ID)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestSQLiteStoreClaimScopedToNamespace(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	enqueueOne(t, s, "ns-a", "a")

	claimed, err := s.Claim(ctx, "ns-b")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestSQLiteStoreStatusRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "work")
	_, err := s.Claim(ctx, "ns")
	require.NoError(t, err)

	updated, err := s.UpdateStatus(ctx, "ns", task.ID, StatusError,
		ErrorPatch{Message: "executor exited 1", Reason: "EXIT"})
	require.NoError(t, err)
	require.Equal(t, StatusError, updated.Status)
	require.Equal(t, "EXIT: executor exited 1", updated.ErrorMessage)

	got, err := s.Get(ctx, "ns", task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusError, got.Status)

	_, err = s.UpdateStatus(ctx, "ns", task.ID, StatusQueued, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLiteStoreResumeWithResponse(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "which env?")
	_, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "ns", task.ID, StatusAwaitingResponse,
		AwaitingResponsePatch{Question: "staging or prod?"})
	require.NoError(t, err)

	resumed, err := s.ResumeWithResponse(ctx, "ns", task.ID, "staging")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, resumed.Status)
	require.Equal(t, "staging", resumed.UserReply)
	require.Empty(t, resumed.Output)

	group, err := s.GetGroup(ctx, "ns", "group-1")
	require.NoError(t, err)
	n := len(group.History)
	require.Equal(t, "staging or prod?", group.History[n-2].Content)
	require.Equal(t, "staging", group.History[n-1].Content)
}

func TestSQLiteStoreEventsAndStaleRecovery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "work")
	_, err := s.Claim(ctx, "ns")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(ctx, "ns", task.ID, ProgressEvent{
		Type: EventLogChunk, Data: "step one", TaskID: task.ID, SessionID: "sess",
	}))
	events, err := s.Events(ctx, "ns", task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "step one", events[0].Data)

	// Age the record so the detector sees it, then confirm the decider gets
	// the persisted events.
	_, err = s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE task_id = ?`,
		time.Now().Add(-time.Hour).UnixNano(), task.ID)
	require.NoError(t, err)

	var sawEvents int
	n, err := s.RecoverStale(ctx, "ns", 30*time.Second, func(_ *Task, evs []ProgressEvent) RecoveryAction {
		sawEvents = len(evs)
		return RollbackReplay
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, sawEvents)

	got, err := s.Get(ctx, "ns", task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestSQLiteStoreCancelCannotOverwriteClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// A cancel validated against a stale QUEUED read must not clobber a
	// concurrent claim: whichever write lands second sees the fresh status.
	for i := 0; i < 200; i++ {
		task := enqueueOne(t, s, "race", "contested work")

		start := make(chan struct{})
		var wg sync.WaitGroup
		var claimed *Task
		var claimErr, cancelErr error

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			claimed, claimErr = s.Claim(ctx, "race")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = s.UpdateStatus(ctx, "race", task.ID, StatusCancelled, CancelPatch{})
		}()
		close(start)
		wg.Wait()

		require.NoError(t, claimErr)
		got, err := s.Get(ctx, "race", task.ID)
		require.NoError(t, err)

		if claimed != nil {
			require.ErrorIs(t, cancelErr, ErrInvalidTransition)
			require.Equal(t, StatusRunning, got.Status)
			_, err = s.UpdateStatus(ctx, "race", task.ID, StatusComplete, CompletePatch{Output: "ok"})
			require.NoError(t, err)
		} else {
			require.NoError(t, cancelErr)
			require.Equal(t, StatusCancelled, got.Status)
		}
	}
}

func TestSQLiteStoreResumeLosesRaceToCancel(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "needs input")
	_, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "ns", task.ID, StatusAwaitingResponse,
		AwaitingResponsePatch{Question: "proceed?"})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, "ns", task.ID, StatusCancelled, CancelPatch{})
	require.NoError(t, err)

	_, err = s.ResumeWithResponse(ctx, "ns", task.ID, "yes")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// The lost resume must not leave orphan history behind.
	group, err := s.GetGroup(ctx, "ns", "group-1")
	require.NoError(t, err)
	for _, msg := range group.History {
		require.NotEqual(t, "yes", msg.Content)
	}
}

func TestSQLiteStoreSetSubtasks(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "big work")
	subs := []TaskID{NewTaskID(), NewTaskID()}
	require.NoError(t, s.SetSubtasks(ctx, "ns", task.ID, subs))

	got, err := s.Get(ctx, "ns", task.ID)
	require.NoError(t, err)
	require.Equal(t, subs, got.SubtaskIDs)

	require.ErrorIs(t, s.SetSubtasks(ctx, "ns", "missing", subs), ErrNotFound)
}

func TestSQLiteStoreStaleParkAsksForGuidance(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	task := enqueueOne(t, s, "ns", "wedged work")
	_, err := s.Claim(ctx, "ns")
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE task_id = ?`,
		time.Now().Add(-time.Hour).UnixNano(), task.ID)
	require.NoError(t, err)

	n, err := s.RecoverStale(ctx, "ns", 30*time.Second, func(*Task, []ProgressEvent) RecoveryAction {
		return ParkAwaiting
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, "ns", task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingResponse, got.Status)
	require.Contains(t, got.Output, "interrupted")
}

func TestSQLiteStoreListNamespaces(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	enqueueOne(t, s, "proj-b", "x")
	enqueueOne(t, s, "proj-a", "y")

	namespaces, err := s.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"proj-a", "proj-b"}, namespaces)
}

func TestSQLiteStoreNotifyOnEnqueue(t *testing.T) {
	s := newTestSQLiteStore(t)

	ch := s.Notify("ns")
	enqueueOne(t, s, "ns", "wake up")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up after enqueue")
	}
}

func TestSQLiteStoreDescribe(t *testing.T) {
	s := newTestSQLiteStore(t)
	info := s.Describe()
	require.Equal(t, "sqlite", info.Type)
	require.Equal(t, "tasks", info.TableName)
}
