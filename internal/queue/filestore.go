package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/EarthLinkNetwork/agentq/internal/log"
)

// FileStore persists the queue under <stateDir>/queue/<namespace>/:
//
//	tasks/<task-id>.json    one record per file, written via temp + rename
//	groups/<group-id>.json  conversation history and metadata
//	events/<task-id>.jsonl  append-only progress events
//
// Claims are serialized behind a process-wide mutex; the rename keeps each
// record write atomic against readers in other processes.
type FileStore struct {
	stateDir string

	mu       sync.Mutex // serializes claims and record writes
	watcher  *fsnotify.Watcher
	notifyMu sync.Mutex
	notify   map[string]chan struct{} // namespace -> wake channel
	watched  map[string]bool          // tasks dirs already added to watcher
	done     chan struct{}
}

// NewFileStore opens (creating if needed) a file-backed store rooted at stateDir.
func NewFileStore(stateDir string) (*FileStore, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "queue"), 0750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create queue watcher: %w", err)
	}

	s := &FileStore{
		stateDir: stateDir,
		watcher:  watcher,
		notify:   make(map[string]chan struct{}),
		watched:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	log.SafeGo("filestore.watch", s.watchLoop)
	return s, nil
}

func (s *FileStore) nsDir(namespace string) string {
	return filepath.Join(s.stateDir, "queue", namespace)
}

func (s *FileStore) taskPath(namespace string, id TaskID) string {
	return filepath.Join(s.nsDir(namespace), "tasks", string(id)+".json")
}

func (s *FileStore) groupPath(namespace string, id GroupID) string {
	return filepath.Join(s.nsDir(namespace), "groups", string(id)+".json")
}

func (s *FileStore) eventsPath(namespace string, id TaskID) string {
	return filepath.Join(s.nsDir(namespace), "events", string(id)+".jsonl")
}

func (s *FileStore) ensureNamespace(namespace string) error {
	for _, sub := range []string{"tasks", "groups", "events"} {
		if err := os.MkdirAll(filepath.Join(s.nsDir(namespace), sub), 0750); err != nil {
			return fmt.Errorf("create namespace dir: %w", err)
		}
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	tasksDir := filepath.Join(s.nsDir(namespace), "tasks")
	if !s.watched[tasksDir] {
		if err := s.watcher.Add(tasksDir); err != nil {
			// Wake-ups are an optimization; polling still works without them.
			log.Warn(log.CatQueue, "watch failed", "dir", tasksDir, "error", err)
		} else {
			s.watched[tasksDir] = true
		}
	}
	return nil
}

// writeJSON writes v to path atomically via a temp file in the same
// directory followed by rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths are store-derived
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// Enqueue creates a record with status QUEUED and threads it into its group.
func (s *FileStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureNamespace(req.Namespace); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	task := &Task{
		ID:        NewTaskID(),
		GroupID:   req.GroupID,
		SessionID: req.SessionID,
		Namespace: req.Namespace,
		Prompt:    req.Prompt,
		Type:      req.Type,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	group, err := s.loadGroup(req.Namespace, req.GroupID)
	if err != nil {
		if err != ErrNotFound {
			return nil, err
		}
		group = &Group{
			ID:        req.GroupID,
			SessionID: req.SessionID,
			Namespace: req.Namespace,
			State:     GroupCreated,
			CreatedAt: now,
		}
	}
	group.TaskCount++
	group.UpdatedAt = now
	group.History = append(group.History, HistoryEntry{
		Role:      "user",
		Content:   req.Prompt,
		Timestamp: now,
		TaskID:    task.ID,
	})

	if err := writeJSON(s.groupPath(req.Namespace, req.GroupID), group); err != nil {
		return nil, err
	}
	if err := writeJSON(s.taskPath(req.Namespace, task.ID), task); err != nil {
		return nil, err
	}
	log.Debug(log.CatQueue, "enqueued", "task", task.ID, "group", task.GroupID, "ns", task.Namespace)
	return task.Clone(), nil
}

// Get returns the task or ErrNotFound. Empty namespace searches all namespaces.
func (s *FileStore) Get(ctx context.Context, namespace string, id TaskID) (*Task, error) {
	if namespace != "" {
		var task Task
		if err := readJSON(s.taskPath(namespace, id), &task); err != nil {
			return nil, err
		}
		return &task, nil
	}
	namespaces, err := s.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		var task Task
		if err := readJSON(s.taskPath(ns, id), &task); err == nil {
			return &task, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) loadGroup(namespace string, id GroupID) (*Group, error) {
	var group Group
	if err := readJSON(s.groupPath(namespace, id), &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// GetGroup returns the group record or ErrNotFound.
func (s *FileStore) GetGroup(ctx context.Context, namespace string, groupID GroupID) (*Group, error) {
	return s.loadGroup(namespace, groupID)
}

// ListByGroup returns the group's tasks ordered by creation time.
func (s *FileStore) ListByGroup(ctx context.Context, namespace string, groupID GroupID) ([]*Task, error) {
	tasks, err := s.listTasks(namespace)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.GroupID == groupID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FileStore) listTasks(namespace string) ([]*Task, error) {
	dir := filepath.Join(s.nsDir(namespace), "tasks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	tasks := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var task Task
		if err := readJSON(filepath.Join(dir, entry.Name()), &task); err != nil {
			// Skip torn or foreign files rather than failing the listing.
			log.Warn(log.CatQueue, "unreadable task file", "file", entry.Name(), "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	sortTasksFIFO(tasks)
	return tasks, nil
}

// sortTasksFIFO orders by created-at, ties broken by task id lexicographically.
func sortTasksFIFO(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// ListGroups returns all groups in the namespace.
func (s *FileStore) ListGroups(ctx context.Context, namespace string) ([]*Group, error) {
	dir := filepath.Join(s.nsDir(namespace), "groups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	groups := make([]*Group, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var group Group
		if err := readJSON(filepath.Join(dir, entry.Name()), &group); err != nil {
			log.Warn(log.CatQueue, "unreadable group file", "file", entry.Name(), "error", err)
			continue
		}
		groups = append(groups, &group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })
	return groups, nil
}

// ListNamespaces returns every namespace with persisted state.
func (s *FileStore) ListNamespaces(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.stateDir, "queue"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	namespaces := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			namespaces = append(namespaces, entry.Name())
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

// Claim atomically selects the oldest QUEUED task and moves it to RUNNING.
func (s *FileStore) Claim(ctx context.Context, namespace string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.listTasks(namespace)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status != StatusQueued {
			continue
		}
		if err := applyTransition(task, StatusRunning, nil); err != nil {
			return nil, err
		}
		if err := writeJSON(s.taskPath(namespace, task.ID), task); err != nil {
			return nil, err
		}
		log.Debug(log.CatQueue, "claimed", "task", task.ID, "ns", namespace)
		return task.Clone(), nil
	}
	return nil, nil
}

// UpdateStatus validates and performs a status transition.
func (s *FileStore) UpdateStatus(ctx context.Context, namespace string, id TaskID, target Status, patch StatusPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	if err := readJSON(s.taskPath(namespace, id), &task); err != nil {
		return nil, err
	}
	if err := applyTransition(&task, target, patch); err != nil {
		return nil, err
	}
	if err := writeJSON(s.taskPath(namespace, id), &task); err != nil {
		return nil, err
	}
	log.Debug(log.CatQueue, "status", "task", id, "status", target)
	return task.Clone(), nil
}

// ResumeWithResponse records the reply and requeues an AWAITING_RESPONSE task.
// The clarification question moves from output into conversation history.
func (s *FileStore) ResumeWithResponse(ctx context.Context, namespace string, id TaskID, reply string) (*Task, error) {
	if strings.TrimSpace(reply) == "" {
		return nil, fmt.Errorf("%w: reply must be non-empty", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	if err := readJSON(s.taskPath(namespace, id), &task); err != nil {
		return nil, err
	}
	if task.Status != StatusAwaitingResponse {
		return nil, fmt.Errorf("%w: reply requires AWAITING_RESPONSE, task is %s", ErrInvalidTransition, task.Status)
	}

	question := task.Output
	now := time.Now()
	if question != "" {
		if err := s.appendHistoryLocked(namespace, task.GroupID, HistoryEntry{
			Role: "assistant", Content: question, Timestamp: now, TaskID: id,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.appendHistoryLocked(namespace, task.GroupID, HistoryEntry{
		Role: "user", Content: reply, Timestamp: now, TaskID: id,
	}); err != nil {
		return nil, err
	}

	task.UserReply = reply
	task.Output = "" // the question is retained in history, not re-asked
	if err := applyTransition(&task, StatusQueued, nil); err != nil {
		return nil, err
	}
	if err := writeJSON(s.taskPath(namespace, id), &task); err != nil {
		return nil, err
	}
	log.Info(log.CatQueue, "resumed with reply", "task", id)
	return task.Clone(), nil
}

// SetSubtasks records the subtask ids decomposition produced for the parent.
func (s *FileStore) SetSubtasks(ctx context.Context, namespace string, id TaskID, subtasks []TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	if err := readJSON(s.taskPath(namespace, id), &task); err != nil {
		return err
	}
	task.SubtaskIDs = append([]TaskID(nil), subtasks...)
	task.UpdatedAt = time.Now()
	return writeJSON(s.taskPath(namespace, id), &task)
}

// AppendEvent appends a progress event and refreshes the task's updated-at.
func (s *FileStore) AppendEvent(ctx context.Context, namespace string, id TaskID, event ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	if err := readJSON(s.taskPath(namespace, id), &task); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(s.eventsPath(namespace, id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640) //nolint:gosec // G304: store-derived path
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	task.UpdatedAt = event.Timestamp
	return writeJSON(s.taskPath(namespace, id), &task)
}

// Events returns the task's progress events in emission order.
func (s *FileStore) Events(ctx context.Context, namespace string, id TaskID) ([]ProgressEvent, error) {
	data, err := os.ReadFile(s.eventsPath(namespace, id)) //nolint:gosec // G304: store-derived path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []ProgressEvent
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // torn tail line after crash
		}
		events = append(events, event)
	}
	return events, nil
}

// AppendHistory appends one entry to the group's conversation history.
func (s *FileStore) AppendHistory(ctx context.Context, namespace string, groupID GroupID, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendHistoryLocked(namespace, groupID, entry)
}

func (s *FileStore) appendHistoryLocked(namespace string, groupID GroupID, entry HistoryEntry) error {
	group, err := s.loadGroup(namespace, groupID)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	group.History = append(group.History, entry)
	group.UpdatedAt = entry.Timestamp
	return writeJSON(s.groupPath(namespace, groupID), group)
}

// RecoverStale applies the decider's verdict to every stale RUNNING task.
func (s *FileStore) RecoverStale(ctx context.Context, namespace string, maxAge time.Duration, decide RecoveryDecider) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.listTasks(namespace)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	recovered := 0
	for _, task := range tasks {
		if task.Status != StatusRunning || task.UpdatedAt.After(cutoff) {
			continue
		}
		events, err := s.Events(ctx, namespace, task.ID)
		if err != nil {
			return recovered, err
		}
		switch decide(task, events) {
		case SoftResume:
			// Leave RUNNING for the external executor; touch updated-at so
			// the task is not reclassified on every cycle.
			task.UpdatedAt = time.Now()
			if err := writeJSON(s.taskPath(namespace, task.ID), task); err != nil {
				return recovered, err
			}
		case ParkAwaiting:
			if err := applyTransition(task, StatusAwaitingResponse,
				AwaitingResponsePatch{Question: staleParkQuestion(task)}); err != nil {
				return recovered, err
			}
			if err := writeJSON(s.taskPath(namespace, task.ID), task); err != nil {
				return recovered, err
			}
			recovered++
			log.Info(log.CatQueue, "stale task parked for user", "task", task.ID, "attempt", task.AttemptCount)
		default: // RollbackReplay
			if err := applyTransition(task, StatusQueued, RequeuePatch{}); err != nil {
				return recovered, err
			}
			if err := writeJSON(s.taskPath(namespace, task.ID), task); err != nil {
				return recovered, err
			}
			recovered++
			log.Info(log.CatQueue, "stale task requeued", "task", task.ID, "attempt", task.AttemptCount)
		}
	}
	return recovered, nil
}

// Notify returns a channel that fires when a task file lands in the namespace.
func (s *FileStore) Notify(namespace string) <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	ch, ok := s.notify[namespace]
	if !ok {
		ch = make(chan struct{}, 1)
		s.notify[namespace] = ch
	}
	return ch
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			// tasks dir layout: <stateDir>/queue/<ns>/tasks/<file>
			ns := filepath.Base(filepath.Dir(filepath.Dir(ev.Name)))
			s.notifyMu.Lock()
			ch := s.notify[ns]
			s.notifyMu.Unlock()
			if ch != nil {
				select {
				case ch <- struct{}{}:
				default: // a wake-up is already pending
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatQueue, "watcher error", "error", err)
		}
	}
}

// Describe reports backend metadata for the health probe.
func (s *FileStore) Describe() StoreInfo {
	return StoreInfo{Type: "file", Endpoint: s.stateDir}
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	close(s.done)
	return s.watcher.Close()
}

var _ Store = (*FileStore)(nil)
