package executor

import (
	"strings"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Chunk is one tagged piece of child output. Every stdout/stderr line is
// wrapped in a Chunk before it reaches the ring buffer or any subscriber.
type Chunk struct {
	TaskID    queue.TaskID `json:"task_id"`
	SessionID string       `json:"session_id"`
	Stream    string       `json:"stream"` // "stdout" or "stderr"
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// staleNotificationMarkers are substrings known to come from a previous run's
// late notifications rather than the current child.
var staleNotificationMarkers = []string{
	"session expired",
	"previous session",
	"reconnecting to session",
	"resuming earlier run",
}

// StaleFilter drops buffered chunks that cannot be attributed to the current
// run. The filter fails closed: a chunk with no attribution at all is stale.
type StaleFilter struct {
	taskID    queue.TaskID
	sessionID string
	notBefore time.Time // the task's created-at
}

// NewStaleFilter builds a filter bound to the current run.
func NewStaleFilter(taskID queue.TaskID, sessionID string, createdAt time.Time) *StaleFilter {
	return &StaleFilter{taskID: taskID, sessionID: sessionID, notBefore: createdAt}
}

// IsStale reports whether the chunk must be dropped.
func (f *StaleFilter) IsStale(c Chunk) bool {
	if c.TaskID == "" && c.SessionID == "" {
		return true // no context, fail closed
	}
	if c.TaskID != "" && c.TaskID != f.taskID {
		return true
	}
	if c.SessionID != "" && c.SessionID != f.sessionID {
		return true
	}
	if !c.Timestamp.IsZero() && c.Timestamp.Before(f.notBefore) {
		return true
	}
	lower := strings.ToLower(c.Content)
	for _, marker := range staleNotificationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Filter returns the chunks attributable to the current run, in order.
func (f *StaleFilter) Filter(chunks []Chunk) []Chunk {
	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !f.IsStale(c) {
			kept = append(kept, c)
		}
	}
	return kept
}
