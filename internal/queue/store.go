package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by stores. Handlers map these onto HTTP codes.
var (
	// ErrNotFound is returned when a task or group does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not permitted
	// by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidInput is returned for missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")
)

// EnqueueRequest carries the fields of a new task.
type EnqueueRequest struct {
	SessionID string
	GroupID   GroupID
	Prompt    string
	Type      TaskType
	Namespace string
}

// Validate checks required fields. Type defaults to IMPLEMENTATION when empty.
func (r *EnqueueRequest) Validate() error {
	if r.Prompt == "" {
		return errors.Join(ErrInvalidInput, errors.New("prompt is required"))
	}
	if r.GroupID == "" {
		return errors.Join(ErrInvalidInput, errors.New("task_group_id is required"))
	}
	if r.Type == "" {
		r.Type = TypeImplementation
	}
	if !r.Type.IsValid() {
		return errors.Join(ErrInvalidInput, errors.New("unknown task type"))
	}
	return nil
}

// RecoveryAction is the restart detector's verdict for one stale RUNNING task.
type RecoveryAction int

const (
	// RollbackReplay resets the task to QUEUED and increments attempt count.
	RollbackReplay RecoveryAction = iota
	// SoftResume leaves the task RUNNING for an external executor to finish.
	SoftResume
	// ParkAwaiting transitions the task to AWAITING_RESPONSE so the user can
	// decide whether it should run again. The store fills the output with a
	// synthesized clarification question.
	ParkAwaiting
)

// staleParkQuestion is the clarification shown when recovery parks a task
// that kept dying mid-run instead of queueing yet another attempt.
func staleParkQuestion(t *Task) string {
	return fmt.Sprintf(
		"This task was interrupted %d times without finishing. "+
			"Reply CONTINUE to queue another attempt, or cancel the task if it should not run again.",
		t.AttemptCount)
}

// RecoveryDecider classifies one stale RUNNING task given its progress events.
type RecoveryDecider func(task *Task, events []ProgressEvent) RecoveryAction

// StoreInfo describes a store backend for the health probe.
type StoreInfo struct {
	Type      string `json:"type"`     // "file" or "sqlite"
	Endpoint  string `json:"endpoint"` // state dir or database path
	TableName string `json:"table_name,omitempty"`
}

// Store is the durable queue contract. The store exclusively owns task
// records; all mutations flow through it so atomicity holds under
// concurrent pollers.
type Store interface {
	// Enqueue creates a record with status QUEUED. The owning group is
	// created on first use and its history gains the user prompt.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error)

	// Get returns the task or ErrNotFound. Empty namespace searches all.
	Get(ctx context.Context, namespace string, id TaskID) (*Task, error)

	// ListByGroup returns the group's tasks ordered by creation time.
	ListByGroup(ctx context.Context, namespace string, groupID GroupID) ([]*Task, error)

	// GetGroup returns the group record or ErrNotFound.
	GetGroup(ctx context.Context, namespace string, groupID GroupID) (*Group, error)

	// ListGroups returns all groups in the namespace.
	ListGroups(ctx context.Context, namespace string) ([]*Group, error)

	// ListNamespaces returns every namespace with persisted state.
	ListNamespaces(ctx context.Context) ([]string, error)

	// Claim atomically selects the oldest QUEUED task in the namespace
	// (FIFO by created-at, ties broken by task id) and transitions it to
	// RUNNING. Returns (nil, nil) when nothing is claimable. Two concurrent
	// claimers never receive the same record.
	Claim(ctx context.Context, namespace string) (*Task, error)

	// UpdateStatus validates the transition, applies the patch, and stamps
	// updated-at. Fails with ErrInvalidTransition when not permitted.
	UpdateStatus(ctx context.Context, namespace string, id TaskID, target Status, patch StatusPatch) (*Task, error)

	// ResumeWithResponse is valid only when the task is AWAITING_RESPONSE.
	// It records the user reply, clears the clarification question from the
	// output (the question is retained in conversation history), and
	// requeues the task.
	ResumeWithResponse(ctx context.Context, namespace string, id TaskID, reply string) (*Task, error)

	// SetSubtasks records the subtask ids a decomposition produced for the
	// parent, so clients can see the fan-out on the task record.
	SetSubtasks(ctx context.Context, namespace string, id TaskID, subtasks []TaskID) error

	// AppendEvent appends a progress event and refreshes updated-at.
	AppendEvent(ctx context.Context, namespace string, id TaskID, event ProgressEvent) error

	// Events returns the task's progress events in emission order.
	Events(ctx context.Context, namespace string, id TaskID) ([]ProgressEvent, error)

	// AppendHistory appends one entry to the group's conversation history.
	AppendHistory(ctx context.Context, namespace string, groupID GroupID, entry HistoryEntry) error

	// RecoverStale scans RUNNING tasks whose updated-at is older than maxAge
	// and applies the decider's verdict per task. Returns the number of
	// tasks whose status changed.
	RecoverStale(ctx context.Context, namespace string, maxAge time.Duration, decide RecoveryDecider) (int, error)

	// Notify returns a channel that receives a signal when a task lands in
	// the namespace, so pollers can wake before the next tick. May be nil
	// for backends without change notification.
	Notify(namespace string) <-chan struct{}

	// Describe reports backend metadata for the health probe.
	Describe() StoreInfo

	// Close releases backend resources.
	Close() error
}
