package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/log"
)

const taskColumns = `task_id, task_group_id, session_id, namespace, prompt, task_type, status,
	attempt_count, output, error_message, user_reply, parent_task_id, subtask_ids,
	created_at, updated_at`

// SQLiteStore persists the queue in a single SQLite database. Claims rely on
// a conditional UPDATE with RETURNING, so concurrent pollers in any number of
// processes never receive the same record.
type SQLiteStore struct {
	db   *sql.DB
	path string

	notifyMu sync.Mutex
	notify   map[string]chan struct{}
}

// NewSQLiteStore opens (creating and migrating if needed) the queue database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:     db,
		path:   dbPath,
		notify: make(map[string]chan struct{}),
	}, nil
}

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var subtasks string
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&t.ID, &t.GroupID, &t.SessionID, &t.Namespace, &t.Prompt, &t.Type, &t.Status,
		&t.AttemptCount, &t.Output, &t.ErrorMessage, &t.UserReply, &t.ParentTaskID, &subtasks,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subtasks), &t.SubtaskIDs); err != nil {
		return nil, fmt.Errorf("decode subtask ids: %w", err)
	}
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	return &t, nil
}

// writeTaskIf persists t only while the stored status still equals prev,
// mirroring the guard Claim uses. Reports whether the row was written; a
// false return means a concurrent writer moved the status first and the
// caller must re-read before deciding anything.
func (s *SQLiteStore) writeTaskIf(ctx context.Context, t *Task, prev Status) (bool, error) {
	subtasks, err := json.Marshal(t.SubtaskIDs)
	if err != nil {
		return false, fmt.Errorf("encode subtask ids: %w", err)
	}
	if t.SubtaskIDs == nil {
		subtasks = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt_count = ?, output = ?, error_message = ?,
			user_reply = ?, parent_task_id = ?, subtask_ids = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		t.Status, t.AttemptCount, t.Output, t.ErrorMessage,
		t.UserReply, t.ParentTaskID, string(subtasks), t.UpdatedAt.UnixNano(),
		t.ID, prev,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Enqueue creates a record with status QUEUED and threads it into its group.
func (s *SQLiteStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	group, err := s.loadGroupTx(tx, req.Namespace, req.GroupID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
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
		Role: "user", Content: req.Prompt, Timestamp: now, TaskID: task.ID,
	})
	if err := s.saveGroupTx(tx, group); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.GroupID, task.SessionID, task.Namespace, task.Prompt, task.Type, task.Status,
		task.AttemptCount, task.Output, task.ErrorMessage, task.UserReply, task.ParentTaskID, "[]",
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.wake(req.Namespace)
	log.Debug(log.CatQueue, "enqueued", "task", task.ID, "group", task.GroupID, "ns", task.Namespace)
	return task.Clone(), nil
}

// Get returns the task or ErrNotFound. Empty namespace searches all namespaces.
func (s *SQLiteStore) Get(ctx context.Context, namespace string, id TaskID) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`
	args := []any{id}
	if namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, namespace)
	}
	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListByGroup returns the group's tasks ordered by creation time.
func (s *SQLiteStore) ListByGroup(ctx context.Context, namespace string, groupID GroupID) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE namespace = ? AND task_group_id = ?
		ORDER BY created_at, task_id`,
		namespace, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) loadGroupTx(tx *sql.Tx, namespace string, groupID GroupID) (*Group, error) {
	return scanGroup(tx.QueryRow(
		`SELECT task_group_id, namespace, session_id, state, history, working_files,
			accumulated_changes, task_count, created_at, updated_at
		FROM task_groups WHERE namespace = ? AND task_group_id = ?`,
		namespace, groupID,
	))
}

func scanGroup(scanner interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	var history, files, changes string
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&g.ID, &g.Namespace, &g.SessionID, &g.State, &history, &files,
		&changes, &g.TaskCount, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &g.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &g.WorkingFiles); err != nil {
		return nil, fmt.Errorf("decode working files: %w", err)
	}
	if err := json.Unmarshal([]byte(changes), &g.AccumulatedChanges); err != nil {
		return nil, fmt.Errorf("decode accumulated changes: %w", err)
	}
	g.CreatedAt = time.Unix(0, createdAt)
	g.UpdatedAt = time.Unix(0, updatedAt)
	return &g, nil
}

func (s *SQLiteStore) saveGroupTx(tx *sql.Tx, g *Group) error {
	enc := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil || string(data) == "null" {
			return "[]"
		}
		return string(data)
	}
	_, err := tx.Exec(
		`INSERT INTO task_groups (task_group_id, namespace, session_id, state, history,
			working_files, accumulated_changes, task_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, task_group_id) DO UPDATE SET
			state = excluded.state, history = excluded.history,
			working_files = excluded.working_files,
			accumulated_changes = excluded.accumulated_changes,
			task_count = excluded.task_count, updated_at = excluded.updated_at`,
		g.ID, g.Namespace, g.SessionID, g.State, enc(g.History),
		enc(g.WorkingFiles), enc(g.AccumulatedChanges), g.TaskCount,
		g.CreatedAt.UnixNano(), g.UpdatedAt.UnixNano(),
	)
	return err
}

// GetGroup returns the group record or ErrNotFound.
func (s *SQLiteStore) GetGroup(ctx context.Context, namespace string, groupID GroupID) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`SELECT task_group_id, namespace, session_id, state, history, working_files,
			accumulated_changes, task_count, created_at, updated_at
		FROM task_groups WHERE namespace = ? AND task_group_id = ?`,
		namespace, groupID,
	))
}

// ListGroups returns all groups in the namespace.
func (s *SQLiteStore) ListGroups(ctx context.Context, namespace string) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_group_id, namespace, session_id, state, history, working_files,
			accumulated_changes, task_count, created_at, updated_at
		FROM task_groups WHERE namespace = ? ORDER BY created_at`,
		namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListNamespaces returns every namespace with persisted state.
func (s *SQLiteStore) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM tasks
		UNION SELECT DISTINCT namespace FROM task_groups
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// Claim atomically selects the oldest QUEUED task and moves it to RUNNING.
// The status guard in the WHERE clause makes the claim safe across processes.
func (s *SQLiteStore) Claim(ctx context.Context, namespace string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		WHERE task_id = (
			SELECT task_id FROM tasks
			WHERE namespace = ? AND status = ?
			ORDER BY created_at, task_id LIMIT 1
		) AND status = ?
		RETURNING `+taskColumns,
		StatusRunning, time.Now().UnixNano(),
		namespace, StatusQueued, StatusQueued,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatQueue, "claimed", "task", task.ID, "ns", namespace)
	return task, nil
}

// UpdateStatus validates and performs a status transition. The transition is
// checked against the status the write itself is conditioned on, so a racing
// writer cannot slip a stale validation past the state machine; losing the
// race re-reads and re-validates.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, namespace string, id TaskID, target Status, patch StatusPatch) (*Task, error) {
	for {
		task, err := s.Get(ctx, namespace, id)
		if err != nil {
			return nil, err
		}
		prev := task.Status
		if err := applyTransition(task, target, patch); err != nil {
			return nil, err
		}
		ok, err := s.writeTaskIf(ctx, task, prev)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race; the fresh status decides whether the transition
			// is still legal.
			continue
		}
		if target == StatusQueued {
			s.wake(task.Namespace)
		}
		log.Debug(log.CatQueue, "status", "task", id, "status", target)
		return task.Clone(), nil
	}
}

// ResumeWithResponse records the reply and requeues an AWAITING_RESPONSE task.
func (s *SQLiteStore) ResumeWithResponse(ctx context.Context, namespace string, id TaskID, reply string) (*Task, error) {
	if strings.TrimSpace(reply) == "" {
		return nil, fmt.Errorf("%w: reply must be non-empty", ErrInvalidInput)
	}
	var task *Task
	var question string
	for {
		var err error
		task, err = s.Get(ctx, namespace, id)
		if err != nil {
			return nil, err
		}
		if task.Status != StatusAwaitingResponse {
			return nil, fmt.Errorf("%w: reply requires AWAITING_RESPONSE, task is %s", ErrInvalidTransition, task.Status)
		}
		question = task.Output
		task.UserReply = reply
		task.Output = ""
		if err := applyTransition(task, StatusQueued, nil); err != nil {
			return nil, err
		}
		ok, err := s.writeTaskIf(ctx, task, StatusAwaitingResponse)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		// Lost a race (e.g. a concurrent cancel); re-read and re-check.
	}

	now := time.Now()
	if question != "" {
		if err := s.AppendHistory(ctx, task.Namespace, task.GroupID, HistoryEntry{
			Role: "assistant", Content: question, Timestamp: now, TaskID: id,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.AppendHistory(ctx, task.Namespace, task.GroupID, HistoryEntry{
		Role: "user", Content: reply, Timestamp: now, TaskID: id,
	}); err != nil {
		return nil, err
	}
	s.wake(task.Namespace)
	log.Info(log.CatQueue, "resumed with reply", "task", id)
	return task.Clone(), nil
}

// SetSubtasks records the subtask ids decomposition produced for the parent.
func (s *SQLiteStore) SetSubtasks(ctx context.Context, namespace string, id TaskID, subtasks []TaskID) error {
	if _, err := s.Get(ctx, namespace, id); err != nil {
		return err
	}
	encoded, err := json.Marshal(subtasks)
	if err != nil {
		return fmt.Errorf("encode subtask ids: %w", err)
	}
	if subtasks == nil {
		encoded = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET subtask_ids = ?, updated_at = ? WHERE task_id = ?`,
		string(encoded), time.Now().UnixNano(), id,
	)
	return err
}

// AppendEvent appends a progress event and refreshes the task's updated-at.
func (s *SQLiteStore) AppendEvent(ctx context.Context, namespace string, id TaskID, event ProgressEvent) error {
	if _, err := s.Get(ctx, namespace, id); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (namespace, task_id, session_id, event_type, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		namespace, id, event.SessionID, event.Type, event.Data, event.Timestamp.UnixNano(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE task_id = ?`,
		event.Timestamp.UnixNano(), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Events returns the task's progress events in emission order.
func (s *SQLiteStore) Events(ctx context.Context, namespace string, id TaskID) ([]ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, session_id, event_type, data, timestamp
		FROM task_events WHERE namespace = ? AND task_id = ? ORDER BY id`,
		namespace, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ProgressEvent
	for rows.Next() {
		var e ProgressEvent
		var ts int64
		if err := rows.Scan(&e.TaskID, &e.SessionID, &e.Type, &e.Data, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendHistory appends one entry to the group's conversation history.
func (s *SQLiteStore) AppendHistory(ctx context.Context, namespace string, groupID GroupID, entry HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	group, err := s.loadGroupTx(tx, namespace, groupID)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	group.History = append(group.History, entry)
	group.UpdatedAt = entry.Timestamp
	if err := s.saveGroupTx(tx, group); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale applies the decider's verdict to every stale RUNNING task.
func (s *SQLiteStore) RecoverStale(ctx context.Context, namespace string, maxAge time.Duration, decide RecoveryDecider) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE namespace = ? AND status = ? AND updated_at < ?
		ORDER BY created_at, task_id`,
		namespace, StatusRunning, cutoff,
	)
	if err != nil {
		return 0, err
	}
	var stale []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		stale = append(stale, task)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	recovered := 0
	for _, task := range stale {
		events, err := s.Events(ctx, namespace, task.ID)
		if err != nil {
			return recovered, err
		}
		// Each write is conditioned on the task still being RUNNING; a task
		// another process resolved in the meantime is simply skipped.
		switch decide(task, events) {
		case SoftResume:
			task.UpdatedAt = time.Now()
			if _, err := s.writeTaskIf(ctx, task, StatusRunning); err != nil {
				return recovered, err
			}
		case ParkAwaiting:
			if err := applyTransition(task, StatusAwaitingResponse,
				AwaitingResponsePatch{Question: staleParkQuestion(task)}); err != nil {
				return recovered, err
			}
			ok, err := s.writeTaskIf(ctx, task, StatusRunning)
			if err != nil {
				return recovered, err
			}
			if ok {
				recovered++
				log.Info(log.CatQueue, "stale task parked for user", "task", task.ID, "attempt", task.AttemptCount)
			}
		default:
			if err := applyTransition(task, StatusQueued, RequeuePatch{}); err != nil {
				return recovered, err
			}
			ok, err := s.writeTaskIf(ctx, task, StatusRunning)
			if err != nil {
				return recovered, err
			}
			if ok {
				recovered++
				log.Info(log.CatQueue, "stale task requeued", "task", task.ID, "attempt", task.AttemptCount)
			}
		}
	}
	if recovered > 0 {
		s.wake(namespace)
	}
	return recovered, nil
}

// Notify returns an in-process wake channel for the namespace. Cross-process
// deployments rely on the poll interval instead.
func (s *SQLiteStore) Notify(namespace string) <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	ch, ok := s.notify[namespace]
	if !ok {
		ch = make(chan struct{}, 1)
		s.notify[namespace] = ch
	}
	return ch
}

func (s *SQLiteStore) wake(namespace string) {
	s.notifyMu.Lock()
	ch := s.notify[namespace]
	s.notifyMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Describe reports backend metadata for the health probe.
func (s *SQLiteStore) Describe() StoreInfo {
	return StoreInfo{Type: "sqlite", Endpoint: s.path, TableName: "tasks"}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
