package queue

import "time"

// ProgressEventType tags the variant of a progress event.
type ProgressEventType string

const (
	EventHeartbeat    ProgressEventType = "heartbeat"
	EventToolProgress ProgressEventType = "tool_progress"
	EventLogChunk     ProgressEventType = "log_chunk"
)

// ProgressEvent is an ordered, persisted signal from an executor run.
// Every event carries the taskId and sessionId of the emitting run; the
// timeout model and the restart detector both key off these.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	Data      string            `json:"data,omitempty"`
	TaskID    TaskID            `json:"task_id"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// IsStepLog reports whether the event counts as a step log for the restart
// detector (log_chunk or tool_progress; heartbeats do not count).
func (e ProgressEvent) IsStepLog() bool {
	return e.Type == EventLogChunk || e.Type == EventToolProgress
}
