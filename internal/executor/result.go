// Package executor launches the child executor process for one task, drives
// its standard streams under a progress-aware timeout model, and produces a
// Result for the review loop.
package executor

import (
	"context"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// ResultStatus classifies one executor run's outcome.
type ResultStatus string

const (
	StatusComplete   ResultStatus = "COMPLETE"
	StatusIncomplete ResultStatus = "INCOMPLETE"
	StatusError      ResultStatus = "ERROR"
	StatusTimeout    ResultStatus = "TIMEOUT"
	StatusBlocked    ResultStatus = "BLOCKED"
	StatusAwaiting   ResultStatus = "AWAITING"
	StatusCancelled  ResultStatus = "CANCELLED"
	StatusNoEvidence ResultStatus = "NO_EVIDENCE"
)

// Termination tags record why a run ended; preflight failures carry
// TerminatedPreflight and must never be reported as a timeout.
const (
	TerminatedExit      = "PROCESS_EXIT"
	TerminatedHard      = "HARD_DEADLINE"
	TerminatedIdle      = "IDLE_TIMEOUT"
	TerminatedCancel    = "USER_CANCEL"
	TerminatedPreflight = "PREFLIGHT_FAIL_CLOSED"
)

// FileStat is the post-run verification of one reported file.
type FileStat struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

// Result is the outcome of one executor invocation.
type Result struct {
	Executed        bool         `json:"executed"`
	Output          string       `json:"output"`
	FilesModified   []string     `json:"files_modified,omitempty"`
	VerifiedFiles   []FileStat   `json:"verified_files,omitempty"`
	UnverifiedFiles []string     `json:"unverified_files,omitempty"`
	DurationMS      int64        `json:"duration_ms"`
	Status          ResultStatus `json:"status"`
	ErrorMessage    string       `json:"error,omitempty"`
	BlockedReason   string       `json:"blocked_reason,omitempty"`
	Question        string       `json:"question,omitempty"` // set when Status is AWAITING
	TerminatedBy    string       `json:"terminated_by,omitempty"`
	SessionID       string       `json:"session_id,omitempty"`
}

// Executor is the single execution contract shared by the adapter and every
// wrapper around it (review loop, chunk runner, scheduler callback).
type Executor interface {
	Execute(ctx context.Context, task *queue.Task) (*Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task *queue.Task) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task *queue.Task) (*Result, error) {
	return f(ctx, task)
}
