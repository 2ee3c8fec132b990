package queue

import "time"

// GroupState represents the lifecycle state of a task group.
// Group state is driven by user actions, never by the poller.
type GroupState string

const (
	GroupCreated   GroupState = "CREATED"
	GroupActive    GroupState = "ACTIVE"
	GroupPaused    GroupState = "PAUSED"
	GroupCompleted GroupState = "COMPLETED"
)

// HistoryEntry is one turn of a group's conversation history.
type HistoryEntry struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    TaskID    `json:"task_id,omitempty"`
}

// Group is the conversation-scoped container. All tasks sharing a GroupID
// share one conversation history; the history is append-only and never split.
type Group struct {
	ID        GroupID    `json:"task_group_id"`
	SessionID string     `json:"session_id"`
	Namespace string     `json:"namespace"`
	State     GroupState `json:"state"`

	History            []HistoryEntry `json:"conversation_history"`
	WorkingFiles       []string       `json:"working_files,omitempty"`
	AccumulatedChanges []string       `json:"accumulated_changes,omitempty"`

	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (g *Group) Clone() *Group {
	c := *g
	if g.History != nil {
		c.History = append([]HistoryEntry(nil), g.History...)
	}
	if g.WorkingFiles != nil {
		c.WorkingFiles = append([]string(nil), g.WorkingFiles...)
	}
	if g.AccumulatedChanges != nil {
		c.AccumulatedChanges = append([]string(nil), g.AccumulatedChanges...)
	}
	return &c
}
