// Package scheduler runs the per-namespace poll loop: it claims queued
// tasks, holds the global executor semaphore, drives the executor chain, and
// writes terminal status back to the queue store.
package scheduler

import (
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// maxReplayAttempts bounds how often a stale task is silently requeued.
// Past the bound the task is parked AWAITING_RESPONSE so the user decides
// whether yet another attempt is worth it.
const maxReplayAttempts = 3

// NewRecoveryDecider classifies stale RUNNING tasks found after a restart.
//
// A task that produced both a step log (at least one log_chunk or
// tool_progress event) and a non-empty saved output may be soft-resumed:
// left RUNNING for an executor living outside this process. That path only
// applies when allowSoftResume is set; the in-process default rolls every
// stale task back to QUEUED with an incremented attempt count, until the
// replay bound is reached and the task is parked for the user instead.
func NewRecoveryDecider(allowSoftResume bool) queue.RecoveryDecider {
	return func(task *queue.Task, events []queue.ProgressEvent) queue.RecoveryAction {
		if task.AttemptCount >= maxReplayAttempts {
			log.Warn(log.CatRecover, "replay bound reached, parking", "task", task.ID, "attempts", task.AttemptCount)
			return queue.ParkAwaiting
		}
		if !allowSoftResume {
			return queue.RollbackReplay
		}
		if task.Output != "" && hasStepLog(events) {
			log.Info(log.CatRecover, "soft resume", "task", task.ID)
			return queue.SoftResume
		}
		return queue.RollbackReplay
	}
}

func hasStepLog(events []queue.ProgressEvent) bool {
	for _, e := range events {
		if e.IsStepLog() {
			return true
		}
	}
	return false
}
