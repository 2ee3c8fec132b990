package chunk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EarthLinkNetwork/agentq/internal/executor"
	"github.com/EarthLinkNetwork/agentq/internal/lock"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/pubsub"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Event types emitted by the runner.
const (
	EventChunkingStart = "CHUNKING_START"
	EventChunkingEnd   = "CHUNKING_END"
	EventSubtaskStart  = "SUBTASK_START"
	EventSubtaskRetry  = "SUBTASK_RETRY"
	EventSubtaskEnd    = "SUBTASK_END"
)

// Event is one observable step of a chunked execution.
type Event struct {
	Type      string        `json:"type"`
	TaskID    queue.TaskID  `json:"task_id"`
	SubtaskID queue.TaskID  `json:"subtask_id,omitempty"`
	Mode      Mode          `json:"mode,omitempty"`
	Status    SubtaskStatus `json:"status,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Config tunes the runner.
type Config struct {
	Analyzer AnalyzerConfig
	// RetryOn lists result statuses that trigger a subtask retry.
	RetryOn []executor.ResultStatus
	// MaxRetries per subtask before it is FAILED.
	MaxRetries int
	// RetryDelay and RetryMultiplier produce delay * multiplier^attempt.
	RetryDelay      time.Duration
	RetryMultiplier float64
	// FailFast stops a run on the first FAILED subtask.
	FailFast bool
	// Emit, when set, receives every event.
	Emit func(Event)
	// RecordSubtasks, when set, receives the planned subtask ids before any
	// subtask runs, so the parent record can show the fan-out.
	RecordSubtasks func(parent queue.TaskID, subtasks []queue.TaskID)
}

// DefaultConfig returns the stock runner configuration.
func DefaultConfig() Config {
	return Config{
		Analyzer: DefaultAnalyzerConfig(),
		RetryOn: []executor.ResultStatus{
			executor.StatusIncomplete, executor.StatusError, executor.StatusTimeout,
		},
		MaxRetries:      2,
		RetryDelay:      time.Second,
		RetryMultiplier: 2,
		FailFast:        false,
	}
}

// Runner decides whether a task is decomposable and, if so, fans its
// subtasks out through fresh inner executors. It is itself an Executor and
// sits between the scheduler and the review loop.
type Runner struct {
	cfg    Config
	next   func() executor.Executor // fresh wrapper per subtask
	sem    *lock.Semaphore
	events *pubsub.Broker[Event]
}

// NewRunner builds a runner. next is called once per subtask (and once for
// undecomposed tasks) so inner wrappers never share per-run state. sem is
// the global executor semaphore; the caller already holds one permit.
func NewRunner(next func() executor.Executor, sem *lock.Semaphore, cfg Config) *Runner {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryMultiplier <= 0 {
		cfg.RetryMultiplier = 1
	}
	return &Runner{cfg: cfg, next: next, sem: sem, events: pubsub.NewBroker[Event]()}
}

// Subscribe returns a live feed of chunking events.
func (r *Runner) Subscribe(ctx context.Context) <-chan Event {
	return r.events.Subscribe(ctx)
}

func (r *Runner) emit(e Event) {
	e.Timestamp = time.Now()
	r.events.Publish(e)
	if r.cfg.Emit != nil {
		r.cfg.Emit(e)
	}
}

// Execute analyses the prompt and either runs the task whole or fans out.
func (r *Runner) Execute(ctx context.Context, task *queue.Task) (*executor.Result, error) {
	analysis := Analyze(task, r.cfg.Analyzer)
	if !analysis.Decomposable {
		return r.next().Execute(ctx, task)
	}

	log.Info(log.CatChunk, "decomposed", "task", task.ID,
		"subtasks", len(analysis.Subtasks), "mode", analysis.Mode)
	r.emit(Event{Type: EventChunkingStart, TaskID: task.ID, Mode: analysis.Mode,
		Detail: fmt.Sprintf("%d subtasks", len(analysis.Subtasks))})

	ids := make([]queue.TaskID, len(analysis.Subtasks))
	for i := range analysis.Subtasks {
		ids[i] = analysis.Subtasks[i].ID
	}
	task.SubtaskIDs = ids
	if r.cfg.RecordSubtasks != nil {
		r.cfg.RecordSubtasks(task.ID, ids)
	}

	var results []*subtaskResult
	var err error
	if analysis.Mode == Sequential {
		results, err = r.runSequential(ctx, task, analysis.Subtasks)
	} else {
		results, err = r.runParallel(ctx, task, analysis.Subtasks)
	}
	if err != nil {
		r.emit(Event{Type: EventChunkingEnd, TaskID: task.ID, Detail: err.Error()})
		return nil, err
	}

	agg := aggregate(results)
	r.emit(Event{Type: EventChunkingEnd, TaskID: task.ID, Detail: string(agg.Status)})
	return agg, nil
}

type subtaskResult struct {
	def    Definition
	result *executor.Result
}

func (r *Runner) runSequential(ctx context.Context, parent *queue.Task, defs []Definition) ([]*subtaskResult, error) {
	results := make([]*subtaskResult, 0, len(defs))
	for i := range defs {
		res, err := r.runSubtask(ctx, parent, &defs[i])
		if err != nil {
			return nil, err
		}
		results = append(results, &subtaskResult{def: defs[i], result: res})
		if defs[i].Status == SubtaskFailed && r.cfg.FailFast {
			break
		}
	}
	return results, nil
}

// runParallel runs subtasks concurrently where spare semaphore permits
// exist; subtasks that cannot get a permit run inline in the parent's slot.
func (r *Runner) runParallel(ctx context.Context, parent *queue.Task, defs []Definition) ([]*subtaskResult, error) {
	results := make([]*subtaskResult, len(defs))
	errs := make([]error, len(defs))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var stopOnce sync.Once

dispatch:
	for i := range defs {
		if r.cfg.FailFast {
			select {
			case <-stop:
				break dispatch
			default:
			}
		}

		run := func(idx int) {
			res, err := r.runSubtask(ctx, parent, &defs[idx])
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = &subtaskResult{def: defs[idx], result: res}
			if defs[idx].Status == SubtaskFailed && r.cfg.FailFast {
				stopOnce.Do(func() { close(stop) })
			}
		}

		if r.sem != nil && r.sem.TryAcquire() {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer r.sem.Release()
				run(idx)
			}(i)
		} else {
			run(i)
		}
	}
	wg.Wait()

	out := make([]*subtaskResult, 0, len(defs))
	for i := range defs {
		if errs[i] != nil {
			return nil, errs[i]
		}
		if results[i] != nil {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// runSubtask executes one subtask through a fresh inner executor with
// bounded exponential-backoff retry.
func (r *Runner) runSubtask(ctx context.Context, parent *queue.Task, def *Definition) (*executor.Result, error) {
	sub := parent.Clone()
	sub.ID = def.ID
	sub.ParentTaskID = parent.ID
	sub.Prompt = def.Prompt
	sub.SubtaskIDs = nil

	def.Status = SubtaskRunning
	r.emit(Event{Type: EventSubtaskStart, TaskID: parent.ID, SubtaskID: def.ID})

	var res *executor.Result
	for attempt := 0; ; attempt++ {
		var err error
		res, err = r.next().Execute(ctx, sub)
		if err != nil {
			def.Status = SubtaskFailed
			return nil, err
		}
		if !r.shouldRetry(res.Status) || attempt >= r.cfg.MaxRetries {
			break
		}
		def.RetryCount++
		delay := backoff(r.cfg.RetryDelay, r.cfg.RetryMultiplier, attempt)
		log.Info(log.CatChunk, "subtask retry", "subtask", def.ID,
			"attempt", attempt+1, "delay", delay, "status", res.Status)
		r.emit(Event{Type: EventSubtaskRetry, TaskID: parent.ID, SubtaskID: def.ID,
			Attempt: attempt + 1, Status: SubtaskRunning})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			def.Status = SubtaskFailed
			return res, ctx.Err()
		}
	}

	if res.Status == executor.StatusComplete {
		def.Status = SubtaskComplete
	} else {
		def.Status = SubtaskFailed
	}
	r.emit(Event{Type: EventSubtaskEnd, TaskID: parent.ID, SubtaskID: def.ID, Status: def.Status})
	return res, nil
}

func (r *Runner) shouldRetry(status executor.ResultStatus) bool {
	for _, s := range r.cfg.RetryOn {
		if s == status {
			return true
		}
	}
	return false
}

func backoff(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}

// aggregate folds subtask results into one parent result: files-modified is
// the union, output is concatenated in execution order, and the status is
// COMPLETE only when every subtask completed.
func aggregate(results []*subtaskResult) *executor.Result {
	sort.Slice(results, func(i, j int) bool { return results[i].def.Order < results[j].def.Order })

	agg := &executor.Result{Executed: true, Status: executor.StatusComplete}
	var outputs []string
	seenFiles := make(map[string]bool)
	seenVerified := make(map[string]bool)

	for _, sr := range results {
		res := sr.result
		outputs = append(outputs, res.Output)
		agg.DurationMS += res.DurationMS
		for _, f := range res.FilesModified {
			if !seenFiles[f] {
				seenFiles[f] = true
				agg.FilesModified = append(agg.FilesModified, f)
			}
		}
		for _, v := range res.VerifiedFiles {
			if !seenVerified[v.Path] {
				seenVerified[v.Path] = true
				agg.VerifiedFiles = append(agg.VerifiedFiles, v)
			}
		}
		agg.UnverifiedFiles = append(agg.UnverifiedFiles, res.UnverifiedFiles...)

		if sr.def.Status != SubtaskComplete {
			agg.Status = executor.StatusError
			if agg.ErrorMessage == "" {
				agg.ErrorMessage = fmt.Sprintf("subtask %s ended %s", sr.def.ID, res.Status)
			}
		}
	}
	agg.Output = strings.Join(outputs, "\n\n")
	return agg
}

var _ executor.Executor = (*Runner)(nil)
