package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

func TestRecoveryDeciderDefaultAlwaysRollsBack(t *testing.T) {
	decide := NewRecoveryDecider(false)

	task := &queue.Task{ID: queue.NewTaskID(), Output: "partial work saved"}
	events := []queue.ProgressEvent{
		{Type: queue.EventLogChunk, Data: "step 1 done"},
		{Type: queue.EventHeartbeat},
	}
	require.Equal(t, queue.RollbackReplay, decide(task, events))
}

func TestRecoveryDeciderSoftResumeNeedsOutputAndStepLog(t *testing.T) {
	decide := NewRecoveryDecider(true)

	withBoth := &queue.Task{ID: queue.NewTaskID(), Output: "partial"}
	stepEvents := []queue.ProgressEvent{{Type: queue.EventToolProgress, Data: "editing main.go"}}
	require.Equal(t, queue.SoftResume, decide(withBoth, stepEvents))

	noOutput := &queue.Task{ID: queue.NewTaskID()}
	require.Equal(t, queue.RollbackReplay, decide(noOutput, stepEvents))

	heartbeatsOnly := []queue.ProgressEvent{{Type: queue.EventHeartbeat}, {Type: queue.EventHeartbeat}}
	require.Equal(t, queue.RollbackReplay, decide(withBoth, heartbeatsOnly))
}

func TestRecoveryDeciderParksAfterReplayBound(t *testing.T) {
	events := []queue.ProgressEvent{{Type: queue.EventToolProgress, Data: "editing main.go"}}

	for _, allowSoftResume := range []bool{false, true} {
		decide := NewRecoveryDecider(allowSoftResume)

		worn := &queue.Task{ID: queue.NewTaskID(), Output: "partial", AttemptCount: maxReplayAttempts}
		require.Equal(t, queue.ParkAwaiting, decide(worn, events))

		// One attempt below the bound still replays normally.
		fresh := &queue.Task{ID: queue.NewTaskID(), AttemptCount: maxReplayAttempts - 1}
		require.Equal(t, queue.RollbackReplay, decide(fresh, events))
	}
}
