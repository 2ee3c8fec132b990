package trace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

func TestRecorderRoundTrip(t *testing.T) {
	r := NewRecorder(t.TempDir())
	id := queue.NewTaskID()

	require.NoError(t, r.Begin(id))
	r.Record(id, map[string]any{"type": "REVIEW_LOOP_START"})
	r.Record(id, map[string]any{"type": "QUALITY_JUDGMENT", "judgment": "PASS"})
	r.End(id)

	entries, err := r.Entries(id, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(entries[0], &first))
	require.Equal(t, "REVIEW_LOOP_START", first["type"])
}

func TestRecorderLatestOnly(t *testing.T) {
	r := NewRecorder(t.TempDir())
	id := queue.NewTaskID()

	require.NoError(t, r.Begin(id))
	r.Record(id, map[string]any{"run": 1})
	r.End(id)

	require.NoError(t, r.Begin(id))
	r.Record(id, map[string]any{"run": 2})
	r.Record(id, map[string]any{"run": 2})
	r.End(id)

	all, err := r.Entries(id, false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	latest, err := r.Entries(id, true)
	require.NoError(t, err)
	require.Len(t, latest, 2)
}

func TestRecorderUnknownTask(t *testing.T) {
	r := NewRecorder(t.TempDir())
	entries, err := r.Entries(queue.NewTaskID(), true)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Recording without Begin must not fail the caller.
	r.Record(queue.NewTaskID(), map[string]any{"type": "stray"})
}

func TestProviderDisabledIsNoop(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Enabled: false})
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "review.loop")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	p, err := NewProvider(ProviderConfig{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "task.execute")
	span.SetAttributes(attribute.String("task.id", "t-1"))
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"name":"task.execute"`)
	require.Contains(t, string(data), `"task.id":"t-1"`)
}

func TestProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Enabled: true, Exporter: "kafka"})
	require.Error(t, err)
}
