package executor

import (
	"context"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/lock"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Locked wraps an executor so the run holds exclusive write locks over the
// files its prompt names, for the whole lifetime of the run. Conflicting
// runs wait their turn; a wait that would deadlock fails the run instead.
type Locked struct {
	next  Executor
	locks *lock.Manager
	retry time.Duration
}

// NewLocked wraps next with file locking through the given manager.
func NewLocked(next Executor, locks *lock.Manager) *Locked {
	return &Locked{next: next, locks: locks, retry: 50 * time.Millisecond}
}

// Execute acquires write locks on the prompt's target files, runs the inner
// executor, and releases the locks when the result lands. Tasks naming no
// files run unlocked.
func (l *Locked) Execute(ctx context.Context, task *queue.Task) (*Result, error) {
	targets := TargetFiles(task.Prompt)
	if len(targets) == 0 {
		return l.next.Execute(ctx, task)
	}

	owner := string(task.ID)
	if err := l.locks.AcquireManyWait(ctx, owner, targets, lock.Write, l.retry); err != nil {
		log.Warn(log.CatExec, "lock acquisition failed", "task", task.ID, "error", err)
		return nil, err
	}
	defer l.locks.ReleaseAll(owner)
	log.Debug(log.CatExec, "locked targets", "task", task.ID, "count", len(targets))

	return l.next.Execute(ctx, task)
}

var _ Executor = (*Locked)(nil)
