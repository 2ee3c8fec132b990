// Package api exposes the control plane over HTTP: task CRUD, replies,
// traces, runner and namespace introspection, and SSE event streaming.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/control"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Stable error tags. Clients branch on these, not on messages.
const (
	errInvalidInput  = "INVALID_INPUT"
	errInvalidStatus = "INVALID_STATUS"
	errNotFound      = "NOT_FOUND"
	errInternal      = "INTERNAL"
)

// Handler serves the control-plane routes.
type Handler struct {
	svc *control.Service
}

func NewHandler(svc *control.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Task CRUD
	mux.HandleFunc("POST /api/tasks", h.CreateTask)
	mux.HandleFunc("POST /api/task-groups", h.CreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/status", h.UpdateTaskStatus)
	mux.HandleFunc("POST /api/tasks/{id}/reply", h.ReplyToTask)
	mux.HandleFunc("GET /api/tasks/{id}/trace", h.GetTrace)

	// Groups
	mux.HandleFunc("GET /api/task-groups", h.ListGroups)
	mux.HandleFunc("GET /api/task-groups/{id}/tasks", h.ListGroupTasks)

	// Introspection
	mux.HandleFunc("GET /api/namespaces", h.ListNamespaces)
	mux.HandleFunc("GET /api/runners", h.ListRunners)
	mux.HandleFunc("GET /api/health", h.Health)

	// Event streaming
	mux.HandleFunc("GET /api/events", h.StreamEvents)

	return mux
}

// === Request/Response Types ===

// CreateTaskRequest is the request body for enqueueing a task. Posting to
// /api/task-groups with a fresh task_group_id starts a new conversation;
// reusing an id continues it.
type CreateTaskRequest struct {
	TaskGroupID string `json:"task_group_id"`
	Prompt      string `json:"prompt"`
	TaskType    string `json:"task_type,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// CreateTaskResponse is the response body for a newly enqueued task.
type CreateTaskResponse struct {
	TaskID      queue.TaskID  `json:"task_id"`
	TaskGroupID queue.GroupID `json:"task_group_id"`
	Namespace   string        `json:"namespace"`
	Status      queue.Status  `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// TaskResponse is the task projection returned by GET /api/tasks/{id}.
type TaskResponse struct {
	*queue.Task
	ShowReplyUI bool `json:"show_reply_ui"`
}

// UpdateStatusRequest is the request body for a user status change. Only
// CANCELLED is accepted from the outside.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// StatusChangeResponse reports a successful status change.
type StatusChangeResponse struct {
	Success   bool         `json:"success"`
	TaskID    queue.TaskID `json:"task_id"`
	OldStatus queue.Status `json:"old_status"`
	NewStatus queue.Status `json:"new_status"`
}

// ReplyRequest is the request body for answering an AWAITING_RESPONSE task.
type ReplyRequest struct {
	Reply string `json:"reply"`
}

// TraceResponse is the response body for GET /api/tasks/{id}/trace.
type TraceResponse struct {
	TaskID    queue.TaskID         `json:"task_id"`
	Entries   []json.RawMessage    `json:"entries,omitempty"`
	Formatted []control.TraceEntry `json:"formatted,omitempty"`
	Summary   control.TraceSummary `json:"summary"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// === Handlers ===

// CreateTask enqueues a task into its group's conversation.
// POST /api/tasks and POST /api/task-groups
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errInvalidInput, "invalid JSON body")
		return
	}

	task, err := h.svc.Enqueue(r.Context(), queue.EnqueueRequest{
		GroupID:   queue.GroupID(req.TaskGroupID),
		Prompt:    req.Prompt,
		Type:      queue.TaskType(req.TaskType),
		Namespace: req.Namespace,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeQueueError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, CreateTaskResponse{
		TaskID:      task.ID,
		TaskGroupID: task.GroupID,
		Namespace:   task.Namespace,
		Status:      task.Status,
		CreatedAt:   task.CreatedAt,
	})
}

// GetTask returns a single task.
// GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := queue.TaskID(r.PathValue("id"))

	task, err := h.svc.GetTask(r.Context(), r.URL.Query().Get("namespace"), id)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, TaskResponse{
		Task:        task,
		ShowReplyUI: task.Status == queue.StatusAwaitingResponse,
	})
}

// ListGroups returns all task groups in a namespace.
// GET /api/task-groups?namespace=
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ns, groups, err := h.svc.ListGroups(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	if groups == nil {
		groups = []*queue.Group{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"namespace":   ns,
		"task_groups": groups,
	})
}

// ListGroupTasks returns the tasks of one group.
// GET /api/task-groups/{id}/tasks?namespace=
func (h *Handler) ListGroupTasks(w http.ResponseWriter, r *http.Request) {
	groupID := queue.GroupID(r.PathValue("id"))

	ns, tasks, err := h.svc.ListGroupTasks(r.Context(), r.URL.Query().Get("namespace"), groupID)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"namespace":     ns,
		"task_group_id": groupID,
		"tasks":         tasks,
	})
}

// UpdateTaskStatus applies a user status change. Only cancellation is
// accepted; everything else is the scheduler's job.
// PATCH /api/tasks/{id}/status
func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := queue.TaskID(r.PathValue("id"))

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errInvalidInput, "invalid JSON body")
		return
	}
	if req.Status != string(queue.StatusCancelled) {
		h.writeError(w, http.StatusBadRequest, errInvalidStatus,
			fmt.Sprintf("only CANCELLED may be requested, got %q", req.Status))
		return
	}

	oldStatus, newStatus, err := h.svc.Cancel(r.Context(), r.URL.Query().Get("namespace"), id)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			h.writeError(w, http.StatusBadRequest, errInvalidStatus, err.Error())
			return
		}
		h.writeQueueError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusChangeResponse{
		Success:   true,
		TaskID:    id,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

// ReplyToTask answers an AWAITING_RESPONSE task and requeues it.
// POST /api/tasks/{id}/reply
func (h *Handler) ReplyToTask(w http.ResponseWriter, r *http.Request) {
	id := queue.TaskID(r.PathValue("id"))

	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errInvalidInput, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Reply) == "" {
		h.writeError(w, http.StatusBadRequest, errInvalidInput, "reply must be non-empty")
		return
	}

	task, err := h.svc.Reply(r.Context(), r.URL.Query().Get("namespace"), id, req.Reply)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			// Replying to a task that is not waiting for one.
			h.writeError(w, http.StatusConflict, errInvalidStatus, err.Error())
			return
		}
		h.writeQueueError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusChangeResponse{
		Success:   true,
		TaskID:    task.ID,
		OldStatus: queue.StatusAwaitingResponse,
		NewStatus: task.Status,
	})
}

// GetTrace returns recorded review-loop events for a task.
// GET /api/tasks/{id}/trace?latest=&raw=
func (h *Handler) GetTrace(w http.ResponseWriter, r *http.Request) {
	id := queue.TaskID(r.PathValue("id"))
	q := r.URL.Query()
	latestOnly := q.Get("latest") != "false"
	raw := q.Get("raw") == "true"

	entries, formatted, summary, err := h.svc.Trace(r.Context(), q.Get("namespace"), id, latestOnly, raw)
	if err != nil {
		h.writeQueueError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, TraceResponse{
		TaskID:    id,
		Entries:   entries,
		Formatted: formatted,
		Summary:   summary,
	})
}

// ListNamespaces returns every namespace with persisted state.
// GET /api/namespaces
func (h *Handler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := h.svc.ListNamespaces(r.Context())
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"namespaces":        namespaces,
		"current_namespace": h.svc.Namespace(),
	})
}

// ListRunners returns known schedulers with heartbeat freshness.
// GET /api/runners?namespace=
func (h *Handler) ListRunners(w http.ResponseWriter, r *http.Request) {
	ns, runners := h.svc.Runners(r.URL.Query().Get("namespace"))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"namespace": ns,
		"runners":   runners,
	})
}

// Health returns process identity and queue store backend info.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Health())
}

// StreamEvents streams scheduler events via SSE.
// GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	events := h.svc.Events(r.Context())
	if events == nil {
		h.writeError(w, http.StatusNotFound, errNotFound, "no scheduler attached")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, errInternal, "streaming not supported")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Heartbeat comments keep idle connections from being reaped.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.ErrorErr(log.CatHTTP, "failed to marshal event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// === Helpers ===

// writeQueueError maps store sentinels onto the stable HTTP contract.
func (h *Handler) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		h.writeError(w, http.StatusNotFound, errNotFound, "")
	case errors.Is(err, queue.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, errInvalidInput, err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		h.writeError(w, http.StatusBadRequest, errInvalidStatus, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, errInternal, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, tag, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: tag, Message: message})
}
