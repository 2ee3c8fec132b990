// Package trace persists review-loop and chunking events per task as JSONL
// files, and exposes an OpenTelemetry span pipeline over the same directory.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Recorder writes one JSONL file per task run under
// <stateDir>/trace/<task-id>/<timestamp>.jsonl.
type Recorder struct {
	dir string

	mu    sync.Mutex
	files map[queue.TaskID]*os.File
}

// NewRecorder returns a recorder rooted at stateDir.
func NewRecorder(stateDir string) *Recorder {
	return &Recorder{
		dir:   filepath.Join(stateDir, "trace"),
		files: make(map[queue.TaskID]*os.File),
	}
}

// Begin opens a fresh trace file for the task's current run. Subsequent
// Record calls for the task append to it until End.
func (r *Recorder) Begin(taskID queue.TaskID) error {
	dir := filepath.Join(r.dir, string(taskID))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jsonl", time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec // G304: recorder-derived path
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.files[taskID]; ok {
		_ = old.Close()
	}
	r.files[taskID] = f
	return nil
}

// Record appends one event to the task's current trace file. Recording
// without Begin is a no-op; tracing never fails a task.
func (r *Recorder) Record(taskID queue.TaskID, event any) {
	r.mu.Lock()
	f, ok := r.files[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		log.Warn(log.CatTrace, "unencodable trace event", "task", taskID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Warn(log.CatTrace, "trace write failed", "task", taskID, "error", err)
	}
}

// End closes the task's current trace file.
func (r *Recorder) End(taskID queue.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[taskID]; ok {
		_ = f.Close()
		delete(r.files, taskID)
	}
}

// Close closes every open trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, f := range r.files {
		_ = f.Close()
		delete(r.files, id)
	}
	return nil
}

// Runs lists the task's trace files, oldest first.
func (r *Recorder) Runs(taskID queue.TaskID) ([]string, error) {
	dir := filepath.Join(r.dir, string(taskID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			runs = append(runs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Entries reads the task's trace entries. When latestOnly is set, only the
// most recent run's file is read; otherwise all runs are concatenated.
func (r *Recorder) Entries(taskID queue.TaskID, latestOnly bool) ([]json.RawMessage, error) {
	runs, err := r.Runs(taskID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	if latestOnly {
		runs = runs[len(runs)-1:]
	}

	var entries []json.RawMessage
	for _, path := range runs {
		data, err := os.ReadFile(path) //nolint:gosec // G304: recorder-derived path
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(data) {
			entries = append(entries, json.RawMessage(line))
		}
	}
	return entries, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
