package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EarthLinkNetwork/agentq/internal/control"
	"github.com/EarthLinkNetwork/agentq/internal/pubsub"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
	"github.com/EarthLinkNetwork/agentq/internal/scheduler"
	"github.com/EarthLinkNetwork/agentq/internal/trace"
)

type fakeEvents struct {
	broker *pubsub.Broker[scheduler.Event]
}

func (f *fakeEvents) Subscribe(ctx context.Context) <-chan scheduler.Event {
	return f.broker.Subscribe(ctx)
}

type fixture struct {
	handler  http.Handler
	store    queue.Store
	registry *scheduler.Registry
	traces   *trace.Recorder
	events   *fakeEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := queue.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := scheduler.NewRegistry(time.Minute)
	traces := trace.NewRecorder(filepath.Join(dir, "state"))
	events := &fakeEvents{broker: pubsub.NewBroker[scheduler.Event]()}

	svc := control.NewService(control.Config{
		Store:     store,
		Namespace: "myproj-abcd",
		Registry:  registry,
		Traces:    traces,
		Events:    events,
	})
	return &fixture{
		handler:  NewHandler(svc).Routes(),
		store:    store,
		registry: registry,
		traces:   traces,
		events:   events,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) enqueue(t *testing.T, group, prompt string) CreateTaskResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{
		TaskGroupID: group,
		Prompt:      prompt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateTaskResponse](t, rec)
}

// moveToAwaiting claims the task and parks it on a clarification question.
func (f *fixture) moveToAwaiting(t *testing.T, question string) queue.TaskID {
	t.Helper()
	ctx := context.Background()
	claimed, err := f.store.Claim(ctx, "myproj-abcd")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = f.store.UpdateStatus(ctx, "myproj-abcd", claimed.ID,
		queue.StatusAwaitingResponse, queue.AwaitingResponsePatch{Question: question})
	require.NoError(t, err)
	return claimed.ID
}

func TestCreateTaskReturnsQueuedRecord(t *testing.T) {
	f := newFixture(t)
	resp := f.enqueue(t, "g1", "write hello.txt")

	require.NotEmpty(t, resp.TaskID)
	require.Equal(t, queue.GroupID("g1"), resp.TaskGroupID)
	require.Equal(t, "myproj-abcd", resp.Namespace)
	require.Equal(t, queue.StatusQueued, resp.Status)
	require.False(t, resp.CreatedAt.IsZero())
}

func TestCreateTaskGroupRouteEnqueuesFirstTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/task-groups", CreateTaskRequest{
		TaskGroupID: "fresh-group",
		Prompt:      "kick off",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[CreateTaskResponse](t, rec)
	require.Equal(t, queue.GroupID("fresh-group"), resp.TaskGroupID)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{TaskGroupID: "g1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_INPUT", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{Prompt: "p"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetTaskProjection(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "inspect me")

	rec := f.do(t, http.MethodGet, "/api/tasks/"+string(created.TaskID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "inspect me", got["prompt"])
	require.Equal(t, false, got["show_reply_ui"])
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tasks/"+string(queue.NewTaskID()), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Error)
}

func TestShowReplyUIWhenAwaiting(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "g1", "ambiguous work")
	id := f.moveToAwaiting(t, "Which file should I touch?")

	rec := f.do(t, http.MethodGet, "/api/tasks/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, true, got["show_reply_ui"])
	require.Equal(t, "Which file should I touch?", got["output"])
}

func TestThreadContinuationListsOneGroup(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.enqueue(t, "t1", fmt.Sprintf("step %d", i))
	}

	rec := f.do(t, http.MethodGet, "/api/task-groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Namespace  string         `json:"namespace"`
		TaskGroups []*queue.Group `json:"task_groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "myproj-abcd", got.Namespace)
	require.Len(t, got.TaskGroups, 1)
	require.Equal(t, 3, got.TaskGroups[0].TaskCount)

	rec = f.do(t, http.MethodGet, "/api/task-groups/t1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks struct {
		TaskGroupID string        `json:"task_group_id"`
		Tasks       []*queue.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Equal(t, "t1", tasks.TaskGroupID)
	require.Len(t, tasks.Tasks, 3)
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "cancel me")

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+string(created.TaskID)+"/status",
		UpdateStatusRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusChangeResponse](t, rec)
	require.True(t, resp.Success)
	require.Equal(t, queue.StatusQueued, resp.OldStatus)
	require.Equal(t, queue.StatusCancelled, resp.NewStatus)
}

func TestCancelRejectsOtherStatuses(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "work")

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+string(created.TaskID)+"/status",
		UpdateStatusRequest{Status: "COMPLETE"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_STATUS", decode[ErrorResponse](t, rec).Error)
}

func TestCancelRunningTaskRejected(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "busy work")
	_, err := f.store.Claim(context.Background(), "myproj-abcd")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPatch, "/api/tasks/"+string(created.TaskID)+"/status",
		UpdateStatusRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_STATUS", decode[ErrorResponse](t, rec).Error)
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPatch, "/api/tasks/"+string(queue.NewTaskID())+"/status",
		UpdateStatusRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplyRequeuesAwaitingTask(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "g1", "ambiguous work")
	id := f.moveToAwaiting(t, "Proceed with the migration?")

	rec := f.do(t, http.MethodPost, "/api/tasks/"+string(id)+"/reply", ReplyRequest{Reply: "YES"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusChangeResponse](t, rec)
	require.True(t, resp.Success)
	require.Equal(t, queue.StatusAwaitingResponse, resp.OldStatus)
	require.Equal(t, queue.StatusQueued, resp.NewStatus)

	task, err := f.store.Get(context.Background(), "myproj-abcd", id)
	require.NoError(t, err)
	require.Equal(t, "YES", task.UserReply)
}

func TestReplyOnNonAwaitingTaskConflicts(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "still queued")

	rec := f.do(t, http.MethodPost, "/api/tasks/"+string(created.TaskID)+"/reply",
		ReplyRequest{Reply: "YES"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_STATUS", decode[ErrorResponse](t, rec).Error)
}

func TestReplyValidation(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "g1", "ambiguous work")
	id := f.moveToAwaiting(t, "Really?")

	rec := f.do(t, http.MethodPost, "/api/tasks/"+string(id)+"/reply", ReplyRequest{Reply: "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_INPUT", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/api/tasks/"+string(queue.NewTaskID())+"/reply",
		ReplyRequest{Reply: "YES"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTraceFormattedAndRaw(t *testing.T) {
	f := newFixture(t)
	created := f.enqueue(t, "g1", "traced work")

	require.NoError(t, f.traces.Begin(created.TaskID))
	f.traces.Record(created.TaskID, map[string]any{"type": "REVIEW_LOOP_START"})
	f.traces.Record(created.TaskID, map[string]any{"type": "QUALITY_JUDGMENT", "judgment": "REJECT"})
	f.traces.Record(created.TaskID, map[string]any{"type": "QUALITY_JUDGMENT", "judgment": "PASS"})
	f.traces.End(created.TaskID)

	rec := f.do(t, http.MethodGet, "/api/tasks/"+string(created.TaskID)+"/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[TraceResponse](t, rec)
	require.Equal(t, created.TaskID, resp.TaskID)
	require.Empty(t, resp.Entries)
	require.Len(t, resp.Formatted, 3)
	require.Equal(t, 3, resp.Summary.TotalEntries)
	require.Equal(t, 1, resp.Summary.Judgments["PASS"])
	require.Equal(t, 1, resp.Summary.Judgments["REJECT"])

	rec = f.do(t, http.MethodGet, "/api/tasks/"+string(created.TaskID)+"/trace?raw=true", nil)
	resp = decode[TraceResponse](t, rec)
	require.Len(t, resp.Entries, 3)
	require.Empty(t, resp.Formatted)
}

func TestGetTraceUnknownTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tasks/"+string(queue.NewTaskID())+"/trace", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNamespaces(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "g1", "some work")

	rec := f.do(t, http.MethodGet, "/api/namespaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Namespaces       []string `json:"namespaces"`
		CurrentNamespace string   `json:"current_namespace"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "myproj-abcd", got.CurrentNamespace)
	require.Contains(t, got.Namespaces, "myproj-abcd")
}

func TestListRunners(t *testing.T) {
	f := newFixture(t)
	f.registry.Beat("runner-1", "myproj-abcd", "idle", 0)

	rec := f.do(t, http.MethodGet, "/api/runners", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Namespace string                   `json:"namespace"`
		Runners   []scheduler.RunnerStatus `json:"runners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "myproj-abcd", got.Namespace)
	require.Len(t, got.Runners, 1)
	require.True(t, got.Runners[0].IsAlive)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	t.Setenv("BUILD_SHA", "abc1234")

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got control.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "ok", got.Status)
	require.Equal(t, "myproj-abcd", got.Namespace)
	require.Positive(t, got.WebPID)
	require.Equal(t, "abc1234", got.BuildSHA)
	require.Equal(t, "file", got.QueueStore.Type)
	require.False(t, got.Timestamp.IsZero())
}

func TestStreamEventsSSE(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected\n", line)

	// Drain the connected payload then publish a scheduler event. The
	// publish retries because the subscription races the HTTP handshake.
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')
	go func() {
		for i := 0; i < 50; i++ {
			f.events.broker.Publish(scheduler.Event{Type: scheduler.EventClaimed, TaskID: "t-1"})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: POLLER_CLAIMED\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"task_id":"t-1"`)
}
