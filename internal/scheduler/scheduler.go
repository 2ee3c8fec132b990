package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/EarthLinkNetwork/agentq/internal/executor"
	"github.com/EarthLinkNetwork/agentq/internal/lock"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/pubsub"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
	"github.com/EarthLinkNetwork/agentq/internal/review"
)

// Poller event types.
const (
	EventStarted        = "POLLER_STARTED"
	EventClaimed        = "POLLER_CLAIMED"
	EventCompleted      = "POLLER_COMPLETED"
	EventError          = "POLLER_ERROR"
	EventStaleRecovered = "POLLER_STALE_RECOVERED"
)

// Event is one observable scheduler action.
type Event struct {
	Type      string       `json:"type"`
	TaskID    queue.TaskID `json:"task_id,omitempty"`
	Status    queue.Status `json:"status,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// fallbackBlockedQuestion is persisted when an executor reports BLOCKED
// without an explanation on a task type that may not block.
const fallbackBlockedQuestion = "The executor reported it could not proceed but gave no reason. " +
	"Please review the task, narrow its scope if needed, and submit it again."

// ExecutorFactory builds the execution chain for one claimed task. Called
// once per claim so per-run wrapper state is never shared.
type ExecutorFactory func(task *queue.Task) executor.Executor

// TraceSink marks the begin and end of one task run for trace recording.
type TraceSink interface {
	Begin(taskID queue.TaskID) error
	End(taskID queue.TaskID)
}

// Config tunes one scheduler.
type Config struct {
	Namespace         string
	RunnerID          string
	PollInterval      time.Duration // default 1s
	StaleThreshold    time.Duration // default 30s
	RecoverInterval   time.Duration // default 60s
	HeartbeatInterval time.Duration // default 5s
	AllowSoftResume   bool
	// Tracer, when set, spans every task execution.
	Tracer oteltrace.Tracer
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// Scheduler is the per-namespace poll loop. One instance claims tasks FIFO
// and fans them out to the executor chain, holding one semaphore permit per
// in-flight task.
type Scheduler struct {
	cfg      Config
	store    queue.Store
	sem      *lock.Semaphore
	locks    *lock.Manager
	factory  ExecutorFactory
	registry *Registry
	traces   TraceSink
	decide   queue.RecoveryDecider
	events   *pubsub.Broker[Event]

	mu       sync.Mutex
	inFlight int
	pending  func() error // failed store write to retry before claiming again

	wg sync.WaitGroup
}

// New builds a scheduler. traces may be nil.
func New(cfg Config, store queue.Store, sem *lock.Semaphore, locks *lock.Manager,
	factory ExecutorFactory, registry *Registry, traces TraceSink) *Scheduler {
	cfg.defaults()
	if cfg.RunnerID == "" {
		cfg.RunnerID = "runner-" + cfg.Namespace
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		sem:      sem,
		locks:    locks,
		factory:  factory,
		registry: registry,
		traces:   traces,
		decide:   NewRecoveryDecider(cfg.AllowSoftResume),
		events:   pubsub.NewBroker[Event](),
	}
}

// Subscribe returns a live feed of poller events.
func (s *Scheduler) Subscribe(ctx context.Context) <-chan Event {
	return s.events.Subscribe(ctx)
}

func (s *Scheduler) emit(e Event) {
	e.Timestamp = time.Now()
	s.events.Publish(e)
}

// InFlight returns the number of tasks this scheduler is executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Run polls until ctx is cancelled. A stop never kills a running executor:
// in-flight tasks finish, the loop just claims no new work.
func (s *Scheduler) Run(ctx context.Context) {
	s.emit(Event{Type: EventStarted, Detail: s.cfg.Namespace})
	log.Info(log.CatSched, "started", "namespace", s.cfg.Namespace, "runner", s.cfg.RunnerID)

	s.recoverStale(ctx)
	lastRecover := time.Now()

	notify := s.store.Notify(s.cfg.Namespace)

	for {
		if ctx.Err() != nil {
			break
		}
		s.beat()

		if time.Since(lastRecover) >= s.cfg.RecoverInterval {
			s.recoverStale(ctx)
			lastRecover = time.Now()
		}

		if !s.storeWritable() {
			s.sleep(ctx, notify)
			continue
		}

		if !s.sem.TryAcquire() {
			s.sleep(ctx, notify)
			continue
		}

		task, err := s.store.Claim(ctx, s.cfg.Namespace)
		if err != nil {
			s.sem.Release()
			log.ErrorErr(log.CatSched, "claim failed", err)
			s.emit(Event{Type: EventError, Detail: err.Error()})
			s.sleep(ctx, notify)
			continue
		}
		if task == nil {
			s.sem.Release()
			s.sleep(ctx, notify)
			continue
		}

		s.emit(Event{Type: EventClaimed, TaskID: task.ID})
		s.mu.Lock()
		s.inFlight++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(task *queue.Task) {
			defer s.wg.Done()
			defer s.sem.Release()
			defer func() {
				s.mu.Lock()
				s.inFlight--
				s.mu.Unlock()
			}()
			// Shutdown must not cancel a running executor.
			s.runTask(context.WithoutCancel(ctx), task)
		}(task)
	}

	log.Info(log.CatSched, "stopping, waiting for in-flight tasks", "namespace", s.cfg.Namespace)
	s.wg.Wait()
	log.Info(log.CatSched, "stopped", "namespace", s.cfg.Namespace)
}

func (s *Scheduler) sleep(ctx context.Context, notify <-chan struct{}) {
	if notify == nil {
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.PollInterval):
		}
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.PollInterval):
	case <-notify:
	}
}

func (s *Scheduler) beat() {
	if s.registry == nil {
		return
	}
	status := "idle"
	if s.InFlight() > 0 {
		status = "running"
	}
	s.registry.Beat(s.cfg.RunnerID, s.cfg.Namespace, status, s.InFlight())
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	n, err := s.store.RecoverStale(ctx, s.cfg.Namespace, s.cfg.StaleThreshold, s.decide)
	if err != nil {
		log.ErrorErr(log.CatRecover, "stale recovery failed", err)
		return
	}
	if n > 0 {
		s.emit(Event{Type: EventStaleRecovered, Detail: fmt.Sprintf("%d recovered", n)})
	}
}

// storeWritable retries a previously failed status write. While one is
// outstanding the scheduler claims no new work.
func (s *Scheduler) storeWritable() bool {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return true
	}
	if err := pending(); err != nil {
		if permanentWriteErr(err) {
			// The target record moved while the write was parked; retrying
			// it forever would wedge the whole namespace.
			log.Warn(log.CatSched, "parked write abandoned", "error", err)
			s.mu.Lock()
			s.pending = nil
			s.mu.Unlock()
			return true
		}
		log.Warn(log.CatSched, "store still unwritable", "error", err)
		return false
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	log.Info(log.CatSched, "store writable again")
	return true
}

// runTask drives one claimed task through the executor chain and persists
// the terminal status.
func (s *Scheduler) runTask(ctx context.Context, task *queue.Task) {
	log.Info(log.CatSched, "executing", "task", task.ID, "type", task.Type, "attempt", task.AttemptCount)
	var span oteltrace.Span
	if s.cfg.Tracer != nil {
		ctx, span = s.cfg.Tracer.Start(ctx, "task.execute", oteltrace.WithAttributes(
			attribute.String("task.id", string(task.ID)),
			attribute.String("task.type", string(task.Type)),
			attribute.Int("task.attempt", task.AttemptCount),
		))
		defer span.End()
	}
	if s.traces != nil {
		if err := s.traces.Begin(task.ID); err != nil {
			log.Warn(log.CatTrace, "trace begin failed", "task", task.ID, "error", err)
		}
		defer s.traces.End(task.ID)
	}
	defer s.locks.ReleaseAll(string(task.ID))

	stopBeats := s.startHeartbeats(ctx, task)
	res, err := s.factory(task).Execute(ctx, task)
	stopBeats()

	if err != nil {
		res = &executor.Result{
			Status:       executor.StatusError,
			ErrorMessage: err.Error(),
		}
	}

	target, patch := s.classify(task, res)
	if span != nil {
		span.SetAttributes(attribute.String("task.final_status", string(target)))
		if target == queue.StatusError {
			span.SetStatus(codes.Error, res.ErrorMessage)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	s.persist(ctx, task, target, patch)
}

// startHeartbeats appends a heartbeat progress event every interval until
// the returned stop function runs.
func (s *Scheduler) startHeartbeats(ctx context.Context, task *queue.Task) func() {
	done := make(chan struct{})
	var once sync.Once
	log.SafeGo("scheduler.heartbeat", func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := s.store.AppendEvent(ctx, s.cfg.Namespace, task.ID, queue.ProgressEvent{
					Type: queue.EventHeartbeat, TaskID: task.ID, SessionID: task.SessionID,
				})
				if err != nil {
					log.Debug(log.CatSched, "heartbeat write failed", "task", task.ID, "error", err)
				}
				s.beat()
			}
		}
	})
	return func() { once.Do(func() { close(done) }) }
}

// classify maps an executor result onto a status transition, applying the
// write-time rewrite rules.
func (s *Scheduler) classify(task *queue.Task, res *executor.Result) (queue.Status, queue.StatusPatch) {
	switch res.Status {
	case executor.StatusComplete:
		// A COMPLETE read or report whose output is really a question
		// becomes a reply prompt instead.
		if task.Type == queue.TypeReadInfo || task.Type == queue.TypeReport {
			if ok, question := review.ContainsClarificationQuestion(res.Output); ok {
				return queue.StatusAwaitingResponse, queue.AwaitingResponsePatch{Question: question}
			}
		}
		return queue.StatusComplete, queue.CompletePatch{Output: res.Output}

	case executor.StatusAwaiting:
		question := res.Question
		if question == "" {
			question = fallbackBlockedQuestion
		}
		return queue.StatusAwaitingResponse, queue.AwaitingResponsePatch{Question: question}

	case executor.StatusBlocked:
		// Only dangerous operations may persist BLOCKED.
		if task.Type == queue.TypeDangerousOp {
			reason := res.BlockedReason
			if reason == "" {
				reason = fallbackBlockedQuestion
			}
			return queue.StatusBlocked, queue.BlockedPatch{Reason: reason}
		}
		msg := res.BlockedReason
		if msg == "" {
			msg = fallbackBlockedQuestion
		}
		return queue.StatusError, queue.ErrorPatch{Message: msg}

	case executor.StatusTimeout:
		reason := "idle"
		if res.TerminatedBy == executor.TerminatedHard {
			reason = "hard"
		}
		return queue.StatusError, queue.ErrorPatch{Message: res.ErrorMessage, Reason: reason}

	case executor.StatusCancelled:
		// The run was interrupted, not finished; put the work back.
		return queue.StatusQueued, queue.RequeuePatch{}

	default: // ERROR, INCOMPLETE, NO_EVIDENCE
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("executor ended with status %s", res.Status)
		}
		return queue.StatusError, queue.ErrorPatch{Message: msg}
	}
}

// permanentWriteErr reports errors no retry can clear: the record moved or
// vanished under us, so re-running the same transition keeps failing.
func permanentWriteErr(err error) bool {
	return errors.Is(err, queue.ErrInvalidTransition) ||
		errors.Is(err, queue.ErrNotFound) ||
		errors.Is(err, queue.ErrInvalidInput)
}

// persist writes the terminal status, retrying transient failures once. A
// second transient failure parks the write and stops the scheduler from
// claiming until it lands; a permanent failure is surfaced and dropped.
func (s *Scheduler) persist(ctx context.Context, task *queue.Task, target queue.Status, patch queue.StatusPatch) {
	write := func() error {
		_, err := s.store.UpdateStatus(ctx, s.cfg.Namespace, task.ID, target, patch)
		return err
	}
	err := write()
	if err != nil && !permanentWriteErr(err) {
		log.Warn(log.CatSched, "status write failed, retrying", "task", task.ID, "error", err)
		err = write()
	}
	if permanentWriteErr(err) {
		log.Warn(log.CatSched, "status moved under a finished run, dropping write",
			"task", task.ID, "target", target, "error", err)
		s.emit(Event{Type: EventError, TaskID: task.ID, Detail: err.Error()})
		return
	}
	if err != nil {
		log.ErrorErr(log.CatSched, "status write failed twice, suspending claims", err, "task", task.ID)
		s.mu.Lock()
		s.pending = write
		s.mu.Unlock()
		s.emit(Event{Type: EventError, TaskID: task.ID, Detail: err.Error()})
		return
	}

	log.Info(log.CatSched, "task finished", "task", task.ID, "status", target)
	if target == queue.StatusError {
		s.emit(Event{Type: EventError, TaskID: task.ID, Status: target})
	} else {
		s.emit(Event{Type: EventCompleted, TaskID: task.ID, Status: target})
	}
}
