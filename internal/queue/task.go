// Package queue provides the durable task queue: the task record model, the
// status state machine, and the file- and SQLite-backed stores that persist it.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task. UUID format for global uniqueness.
type TaskID string

// NewTaskID generates a new unique TaskID using UUID v4.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// String returns the string representation of the TaskID.
func (id TaskID) String() string {
	return string(id)
}

// GroupID identifies a task group (one conversation thread).
type GroupID string

// String returns the string representation of the GroupID.
func (id GroupID) String() string {
	return string(id)
}

// Status represents the lifecycle state of a task.
// Valid transitions:
//
//	QUEUED            -> RUNNING, CANCELLED
//	RUNNING           -> COMPLETE, ERROR, AWAITING_RESPONSE, BLOCKED, QUEUED (stale rollback)
//	AWAITING_RESPONSE -> QUEUED (reply), CANCELLED
//	COMPLETE          -> (terminal)
//	ERROR             -> (terminal)
//	BLOCKED           -> (terminal)
//	CANCELLED         -> (terminal)
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
	StatusComplete         Status = "COMPLETE"
	StatusError            Status = "ERROR"
	StatusBlocked          Status = "BLOCKED"
	StatusCancelled        Status = "CANCELLED"
)

// validTransitions defines the allowed status transitions.
// The key is the current status, the value is the set of valid targets.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusComplete:         true,
		StatusError:            true,
		StatusAwaitingResponse: true,
		StatusBlocked:          true,
		StatusQueued:           true, // stale recovery rollback-replay
	},
	StatusAwaitingResponse: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	// Terminal statuses have no valid transitions
	StatusComplete:  {},
	StatusError:     {},
	StatusBlocked:   {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for COMPLETE, ERROR, BLOCKED, and CANCELLED.
// Terminal statuses never revert.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusBlocked || s == StatusCancelled
}

// CanTransitionTo returns true if moving from the current status to the
// target is permitted by the state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// TaskType classifies the work a prompt asks for. DANGEROUS_OP is the only
// type permitted to reach BLOCKED.
type TaskType string

const (
	TypeReadInfo       TaskType = "READ_INFO"
	TypeReport         TaskType = "REPORT"
	TypeLightEdit      TaskType = "LIGHT_EDIT"
	TypeImplementation TaskType = "IMPLEMENTATION"
	TypeReviewResponse TaskType = "REVIEW_RESPONSE"
	TypeConfigCIChange TaskType = "CONFIG_CI_CHANGE"
	TypeDangerousOp    TaskType = "DANGEROUS_OP"
)

// IsValid returns true if this is a recognized TaskType value.
func (t TaskType) IsValid() bool {
	switch t {
	case TypeReadInfo, TypeReport, TypeLightEdit, TypeImplementation,
		TypeReviewResponse, TypeConfigCIChange, TypeDangerousOp:
		return true
	}
	return false
}

// Task is one unit of work produced by one user prompt.
// The prompt is immutable after creation; status moves only along the
// state machine above; AttemptCount is monotonically nondecreasing.
type Task struct {
	ID           TaskID   `json:"task_id"`
	GroupID      GroupID  `json:"task_group_id"`
	SessionID    string   `json:"session_id"`
	Namespace    string   `json:"namespace"`
	Prompt       string   `json:"prompt"`
	Type         TaskType `json:"task_type"`
	Status       Status   `json:"status"`
	AttemptCount int      `json:"attempt_count"`

	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	UserReply    string `json:"user_reply,omitempty"`

	ParentTaskID TaskID   `json:"parent_task_id,omitempty"`
	SubtaskIDs   []TaskID `json:"subtask_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (t *Task) Clone() *Task {
	c := *t
	if t.SubtaskIDs != nil {
		c.SubtaskIDs = append([]TaskID(nil), t.SubtaskIDs...)
	}
	return &c
}

// Validate checks the record invariants that must hold at rest:
// BLOCKED implies DANGEROUS_OP with non-empty output, and AWAITING_RESPONSE
// implies a non-empty clarification question in output.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.Status == StatusBlocked {
		if t.Type != TypeDangerousOp {
			return fmt.Errorf("status BLOCKED requires task type DANGEROUS_OP, got %s", t.Type)
		}
		if t.Output == "" {
			return fmt.Errorf("status BLOCKED requires non-empty output")
		}
	}
	if t.Status == StatusAwaitingResponse && t.Output == "" {
		return fmt.Errorf("status AWAITING_RESPONSE requires a non-empty clarification question")
	}
	return nil
}

// StatusPatch carries the optional payload of one status transition.
// One explicit record per transition instead of an untyped map.
type StatusPatch interface {
	apply(t *Task)
}

// CompletePatch is the payload for a RUNNING -> COMPLETE transition.
type CompletePatch struct {
	Output string
}

func (p CompletePatch) apply(t *Task) {
	t.Output = p.Output
	t.ErrorMessage = ""
}

// ErrorPatch is the payload for a transition into ERROR.
// Reason is a machine-readable tag (AUTH_ERROR, CONFIG_ERROR, idle, hard, ...).
type ErrorPatch struct {
	Message string
	Reason  string
}

func (p ErrorPatch) apply(t *Task) {
	msg := p.Message
	if msg == "" {
		// User-visible error messages must be non-empty.
		msg = "task failed without a reported error"
	}
	if p.Reason != "" {
		msg = p.Reason + ": " + msg
	}
	t.ErrorMessage = msg
}

// AwaitingResponsePatch is the payload for RUNNING -> AWAITING_RESPONSE.
// Question becomes the task output and is what the reply UI shows.
type AwaitingResponsePatch struct {
	Question string
}

func (p AwaitingResponsePatch) apply(t *Task) {
	t.Output = p.Question
}

// BlockedPatch is the payload for RUNNING -> BLOCKED (DANGEROUS_OP only).
type BlockedPatch struct {
	Reason string
}

func (p BlockedPatch) apply(t *Task) {
	t.Output = p.Reason
}

// CancelPatch is the payload for a user cancellation.
type CancelPatch struct{}

func (p CancelPatch) apply(t *Task) {}

// RequeuePatch is the payload for a stale-recovery rollback (RUNNING -> QUEUED).
type RequeuePatch struct{}

func (p RequeuePatch) apply(t *Task) {
	t.AttemptCount++
}

// applyTransition validates and performs a status transition on the record.
// It stamps UpdatedAt and applies the patch fields. Callers persist the result.
func applyTransition(t *Task, target Status, patch StatusPatch) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	t.Status = target
	t.UpdatedAt = time.Now()
	if patch != nil {
		patch.apply(t)
	}
	return t.Validate()
}
