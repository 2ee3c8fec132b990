package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allStatuses = []Status{
	StatusQueued, StatusRunning, StatusAwaitingResponse,
	StatusComplete, StatusError, StatusBlocked, StatusCancelled,
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusComplete, false},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusAwaitingResponse, true},
		{StatusRunning, StatusBlocked, true},
		{StatusRunning, StatusQueued, true}, // stale rollback
		{StatusRunning, StatusCancelled, false},
		{StatusAwaitingResponse, StatusQueued, true},
		{StatusAwaitingResponse, StatusCancelled, true},
		{StatusAwaitingResponse, StatusComplete, false},
		{StatusComplete, StatusQueued, false},
		{StatusError, StatusQueued, false},
		{StatusBlocked, StatusQueued, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatusesHaveNoTargets(t *testing.T) {
	for _, s := range allStatuses {
		if s.IsTerminal() {
			require.Empty(t, s.ValidTargets(), "terminal %s must have no targets", s)
		} else {
			require.NotEmpty(t, s.ValidTargets())
		}
	}
}

func TestTaskValidateBlockedInvariant(t *testing.T) {
	task := &Task{
		ID: NewTaskID(), Prompt: "rm -rf the old deploys",
		Type: TypeDangerousOp, Status: StatusBlocked,
		Output: "requires explicit approval",
	}
	require.NoError(t, task.Validate())

	task.Type = TypeImplementation
	require.Error(t, task.Validate())

	task.Type = TypeDangerousOp
	task.Output = ""
	require.Error(t, task.Validate())
}

func TestTaskValidateAwaitingInvariant(t *testing.T) {
	task := &Task{
		ID: NewTaskID(), Prompt: "p",
		Type: TypeReadInfo, Status: StatusAwaitingResponse,
	}
	require.Error(t, task.Validate())

	task.Output = "which branch?"
	require.NoError(t, task.Validate())
}

func TestErrorPatchNeverEmptyMessage(t *testing.T) {
	task := &Task{
		ID: NewTaskID(), Prompt: "p", Type: TypeImplementation,
		Status: StatusRunning, CreatedAt: time.Now(),
	}
	require.NoError(t, applyTransition(task, StatusError, ErrorPatch{}))
	require.NotEmpty(t, task.ErrorMessage)
}

func TestErrorPatchReasonPrefix(t *testing.T) {
	task := &Task{
		ID: NewTaskID(), Prompt: "p", Type: TypeImplementation,
		Status: StatusRunning,
	}
	require.NoError(t, applyTransition(task, StatusError, ErrorPatch{
		Message: "executor binary not on PATH", Reason: "CONFIG_ERROR",
	}))
	require.Equal(t, "CONFIG_ERROR: executor binary not on PATH", task.ErrorMessage)
}

// TestTaskLifecycleProperties drives a random walk through the state machine
// and checks that attempt count never decreases and terminal states are sinks.
func TestTaskLifecycleProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		task := &Task{
			ID:        NewTaskID(),
			GroupID:   "g",
			Prompt:    "p",
			Type:      TypeDangerousOp, // the one type every status accepts
			Status:    StatusQueued,
			CreatedAt: time.Now(),
		}

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			targets := task.Status.ValidTargets()
			if len(targets) == 0 {
				require.True(t, task.Status.IsTerminal())
				break
			}
			target := rapid.SampledFrom(targets).Draw(t, "target")

			var patch StatusPatch
			switch target {
			case StatusComplete:
				patch = CompletePatch{Output: "done"}
			case StatusError:
				patch = ErrorPatch{Message: "boom"}
			case StatusAwaitingResponse:
				patch = AwaitingResponsePatch{Question: "continue?"}
			case StatusBlocked:
				patch = BlockedPatch{Reason: "needs approval"}
			case StatusCancelled:
				patch = CancelPatch{}
			case StatusQueued:
				if task.Status == StatusRunning {
					patch = RequeuePatch{}
				}
			}

			before := task.AttemptCount
			require.NoError(t, applyTransition(task, target, patch))
			require.GreaterOrEqual(t, task.AttemptCount, before)
			require.NoError(t, task.Validate())
		}

		// Any further transition out of a terminal state must fail.
		if task.Status.IsTerminal() {
			for _, target := range allStatuses {
				require.ErrorIs(t, applyTransition(task.Clone(), target, nil), ErrInvalidTransition)
			}
		}
	})
}

func TestCloneIsolation(t *testing.T) {
	task := &Task{ID: NewTaskID(), SubtaskIDs: []TaskID{"a", "b"}}
	c := task.Clone()
	c.SubtaskIDs[0] = "z"
	require.Equal(t, TaskID("a"), task.SubtaskIDs[0])
}
