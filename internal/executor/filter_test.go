package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

func TestStaleFilterFailClosed(t *testing.T) {
	f := NewStaleFilter("task-1", "sess-1", time.Now().Add(-time.Minute))

	// No attribution at all is stale.
	require.True(t, f.IsStale(Chunk{Content: "orphan line", Timestamp: time.Now()}))
}

func TestStaleFilterMatchesCurrentRun(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	f := NewStaleFilter("task-1", "sess-1", created)

	tests := []struct {
		name  string
		chunk Chunk
		stale bool
	}{
		{"current run", Chunk{TaskID: "task-1", SessionID: "sess-1", Content: "ok", Timestamp: time.Now()}, false},
		{"wrong task", Chunk{TaskID: "task-2", SessionID: "sess-1", Content: "ok", Timestamp: time.Now()}, true},
		{"wrong session", Chunk{TaskID: "task-1", SessionID: "sess-9", Content: "ok", Timestamp: time.Now()}, true},
		{"predates created-at", Chunk{TaskID: "task-1", SessionID: "sess-1", Content: "ok", Timestamp: created.Add(-time.Second)}, true},
		{"stale notification", Chunk{TaskID: "task-1", SessionID: "sess-1", Content: "Reconnecting to session abc", Timestamp: time.Now()}, true},
		{"task id only", Chunk{TaskID: "task-1", Content: "ok", Timestamp: time.Now()}, false},
		{"session id only", Chunk{SessionID: "sess-1", Content: "ok", Timestamp: time.Now()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.stale, f.IsStale(tt.chunk))
		})
	}
}

func TestStaleFilterFilterKeepsOrder(t *testing.T) {
	f := NewStaleFilter("task-1", "sess-1", time.Now().Add(-time.Minute))
	now := time.Now()
	chunks := []Chunk{
		{TaskID: "task-1", SessionID: "sess-1", Content: "a", Timestamp: now},
		{TaskID: "other", SessionID: "sess-1", Content: "b", Timestamp: now},
		{TaskID: "task-1", SessionID: "sess-1", Content: "c", Timestamp: now},
	}
	kept := f.Filter(chunks)
	require.Len(t, kept, 2)
	require.Equal(t, "a", kept[0].Content)
	require.Equal(t, "c", kept[1].Content)
}

func TestProfileForPrompt(t *testing.T) {
	require.Equal(t, "standard", ProfileForPrompt("fix a typo").Name)
	require.Equal(t, "long", ProfileForPrompt("refactor the auth module").Name)
	require.Equal(t, "extended", ProfileForPrompt("rewrite the entire module system").Name)
}

func TestProfileByNameFallback(t *testing.T) {
	require.Equal(t, "standard", ProfileByName("nope").Name)
	require.Equal(t, 120*time.Second, ProfileByName("long").Idle)
	require.Equal(t, 60*time.Minute, ProfileByName("extended").Hard)
}

func TestPreflightMissingBinary(t *testing.T) {
	err := Preflight(PreflightConfig{Command: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	require.Equal(t, ReasonConfigError, PreflightReason(err))
}

func TestPreflightMissingCredential(t *testing.T) {
	err := Preflight(PreflightConfig{
		Command:           "sh",
		CredentialEnvVars: []string{"AGENTQ_TEST_CREDENTIAL_THAT_IS_UNSET"},
	})
	require.Error(t, err)
	require.Equal(t, ReasonAuthError, PreflightReason(err))
}

func TestPreflightPasses(t *testing.T) {
	t.Setenv("AGENTQ_TEST_CREDENTIAL", "token")
	require.NoError(t, Preflight(PreflightConfig{
		Command:           "sh",
		CredentialEnvVars: []string{"AGENTQ_TEST_CREDENTIAL"},
	}))
}

func TestPreflightEmptyCommand(t *testing.T) {
	err := Preflight(PreflightConfig{})
	require.Equal(t, ReasonConfigError, PreflightReason(err))
}

func newTask(prompt string) *queue.Task {
	return &queue.Task{
		ID:        queue.NewTaskID(),
		GroupID:   "g",
		Prompt:    prompt,
		Type:      queue.TypeImplementation,
		Status:    queue.StatusRunning,
		CreatedAt: time.Now(),
	}
}
