// Package control exports the queue operations the HTTP layer consumes:
// enqueue, lookup, cancel, reply, trace retrieval, and the health and
// runner probes.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
	"github.com/EarthLinkNetwork/agentq/internal/scheduler"
)

// EventSource is a live feed of scheduler events, streamed over SSE.
type EventSource interface {
	Subscribe(ctx context.Context) <-chan scheduler.Event
}

// TraceReader reads recorded review-loop iteration events for a task.
type TraceReader interface {
	Entries(taskID queue.TaskID, latestOnly bool) ([]json.RawMessage, error)
}

// Config wires the service to its backends. Registry, Traces, and Events
// are optional; the corresponding endpoints degrade to empty results.
type Config struct {
	Store     queue.Store
	Namespace string
	Registry  *scheduler.Registry
	Traces    TraceReader
	Events    EventSource
}

// Service implements the control-plane operations over the queue store.
type Service struct {
	store     queue.Store
	namespace string
	registry  *scheduler.Registry
	traces    TraceReader
	events    EventSource
	startedAt time.Time
}

func NewService(cfg Config) *Service {
	return &Service{
		store:     cfg.Store,
		namespace: cfg.Namespace,
		registry:  cfg.Registry,
		traces:    cfg.Traces,
		events:    cfg.Events,
		startedAt: time.Now(),
	}
}

// Namespace returns the namespace this process serves, used when a request
// does not carry one.
func (s *Service) Namespace() string { return s.namespace }

// resolve falls back to the service namespace when the request omits one.
func (s *Service) resolve(namespace string) string {
	if namespace == "" {
		return s.namespace
	}
	return namespace
}

// Enqueue creates a new QUEUED task, creating its group on first use.
func (s *Service) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, error) {
	req.Namespace = s.resolve(req.Namespace)
	return s.store.Enqueue(ctx, req)
}

// GetTask returns the task record.
func (s *Service) GetTask(ctx context.Context, namespace string, id queue.TaskID) (*queue.Task, error) {
	return s.store.Get(ctx, s.resolve(namespace), id)
}

// ListGroups returns all task groups in the namespace.
func (s *Service) ListGroups(ctx context.Context, namespace string) (string, []*queue.Group, error) {
	ns := s.resolve(namespace)
	groups, err := s.store.ListGroups(ctx, ns)
	return ns, groups, err
}

// ListGroupTasks returns the tasks of one group, oldest first.
func (s *Service) ListGroupTasks(ctx context.Context, namespace string, groupID queue.GroupID) (string, []*queue.Task, error) {
	ns := s.resolve(namespace)
	tasks, err := s.store.ListByGroup(ctx, ns, groupID)
	return ns, tasks, err
}

// ListNamespaces returns every namespace with persisted state.
func (s *Service) ListNamespaces(ctx context.Context) ([]string, error) {
	return s.store.ListNamespaces(ctx)
}

// Runners returns known schedulers and their heartbeat freshness.
func (s *Service) Runners(namespace string) (string, []scheduler.RunnerStatus) {
	ns := s.resolve(namespace)
	if s.registry == nil {
		return ns, nil
	}
	return ns, s.registry.List(ns)
}

// Cancel transitions the task to CANCELLED. Only QUEUED and
// AWAITING_RESPONSE tasks may be cancelled by the user.
func (s *Service) Cancel(ctx context.Context, namespace string, id queue.TaskID) (old, updated queue.Status, err error) {
	ns := s.resolve(namespace)
	before, err := s.store.Get(ctx, ns, id)
	if err != nil {
		return "", "", err
	}
	after, err := s.store.UpdateStatus(ctx, ns, id, queue.StatusCancelled, queue.CancelPatch{})
	if err != nil {
		return "", "", err
	}
	return before.Status, after.Status, nil
}

// Reply records a user response to an AWAITING_RESPONSE task and requeues
// it. The reply joins the group conversation history.
func (s *Service) Reply(ctx context.Context, namespace string, id queue.TaskID, reply string) (*queue.Task, error) {
	return s.store.ResumeWithResponse(ctx, s.resolve(namespace), id, reply)
}

// TraceEntry is one formatted review-loop event.
type TraceEntry struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// TraceSummary aggregates the judgment counts of the returned entries.
type TraceSummary struct {
	TotalEntries int            `json:"total_entries"`
	Judgments    map[string]int `json:"judgments,omitempty"`
}

// Trace returns the recorded review-loop events for a task. With raw set,
// Entries carries the stored JSON lines verbatim; otherwise Formatted
// carries a human-readable projection.
func (s *Service) Trace(ctx context.Context, namespace string, id queue.TaskID, latestOnly, raw bool) (
	entries []json.RawMessage, formatted []TraceEntry, summary TraceSummary, err error) {
	// The task must exist even if it has no trace yet.
	if _, err = s.store.Get(ctx, s.resolve(namespace), id); err != nil {
		return nil, nil, TraceSummary{}, err
	}
	if s.traces == nil {
		return nil, nil, TraceSummary{}, nil
	}
	lines, err := s.traces.Entries(id, latestOnly)
	if err != nil {
		return nil, nil, TraceSummary{}, err
	}

	summary = TraceSummary{TotalEntries: len(lines)}
	for _, line := range lines {
		var row map[string]any
		if json.Unmarshal(line, &row) != nil {
			continue
		}
		if j, ok := row["judgment"].(string); ok {
			if summary.Judgments == nil {
				summary.Judgments = map[string]int{}
			}
			summary.Judgments[j]++
		}
		if !raw {
			formatted = append(formatted, formatTraceRow(row))
		}
	}
	if raw {
		return lines, nil, summary, nil
	}
	return nil, formatted, summary, nil
}

func formatTraceRow(row map[string]any) TraceEntry {
	typ, _ := row["type"].(string)
	entry := TraceEntry{Type: typ}
	switch {
	case row["judgment"] != nil:
		entry.Summary = fmt.Sprintf("judgment %v", row["judgment"])
		if fc, ok := row["failed_criteria"].([]any); ok && len(fc) > 0 {
			entry.Summary += fmt.Sprintf(" (%d failed criteria)", len(fc))
		}
	case row["iteration"] != nil:
		entry.Summary = fmt.Sprintf("iteration %v", row["iteration"])
	default:
		entry.Summary = typ
	}
	return entry
}

// Health is the /api/health payload.
type Health struct {
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Namespace  string          `json:"namespace"`
	WebPID     int             `json:"web_pid"`
	BuildSHA   string          `json:"build_sha,omitempty"`
	QueueStore queue.StoreInfo `json:"queue_store"`
}

// Health reports process identity and the queue store backend.
func (s *Service) Health() Health {
	return Health{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Namespace:  s.namespace,
		WebPID:     os.Getpid(),
		BuildSHA:   os.Getenv("BUILD_SHA"),
		QueueStore: s.store.Describe(),
	}
}

// Events returns the scheduler event feed, or nil when no scheduler is
// attached.
func (s *Service) Events(ctx context.Context) <-chan scheduler.Event {
	if s.events == nil {
		return nil
	}
	return s.events.Subscribe(ctx)
}
