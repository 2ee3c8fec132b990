package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/EarthLinkNetwork/agentq/internal/executor"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/pubsub"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Event types emitted by the loop, observable through Subscribe and the
// trace recorder.
const (
	EventLoopStart       = "REVIEW_LOOP_START"
	EventIterationStart  = "REVIEW_ITERATION_START"
	EventQualityJudgment = "QUALITY_JUDGMENT"
	EventRejectionDetail = "REJECTION_DETAILS"
	EventModification    = "MODIFICATION_PROMPT"
	EventIterationEnd    = "REVIEW_ITERATION_END"
	EventLoopEnd         = "REVIEW_LOOP_END"
)

// Event is one observable step of a review loop run.
type Event struct {
	Type           string            `json:"type"`
	TaskID         queue.TaskID      `json:"task_id"`
	Iteration      int               `json:"iteration,omitempty"`
	Judgment       Judgment          `json:"judgment,omitempty"`
	FailedCriteria []FailedCriterion `json:"failed_criteria,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// IterationRecord is the persisted row for one iteration.
type IterationRecord struct {
	Index              int               `json:"index"`
	Judgment           Judgment          `json:"judgment"`
	FailedCriteria     []FailedCriterion `json:"failed_criteria,omitempty"`
	ModificationPrompt string            `json:"modification_prompt,omitempty"`
}

// Config tunes the loop.
type Config struct {
	// MaxIterations bounds the refine cycle.
	MaxIterations int
	// EscalateOnMax returns INCOMPLETE at the bound; false returns ERROR.
	EscalateOnMax bool
	// RetryDelay is the pause before a RETRY re-submission.
	RetryDelay time.Duration
	// GoalDriftGuard additionally evaluates GD1-GD5.
	GoalDriftGuard bool
	// Emit, when set, receives every event (wired to the trace recorder).
	Emit func(Event)
	// Tracer, when set, spans each iteration as a child of the task span.
	Tracer oteltrace.Tracer
}

// DefaultConfig returns the stock loop configuration.
func DefaultConfig() Config {
	return Config{MaxIterations: 3, EscalateOnMax: true, RetryDelay: 2 * time.Second}
}

// Loop wraps an Executor with the quality-judgment cycle. It is itself an
// Executor, so it slots between the chunk runner and the adapter.
type Loop struct {
	next   executor.Executor
	cfg    Config
	events *pubsub.Broker[Event]

	// Records of the most recent run, keyed per call. The loop is used by
	// one task at a time per instance; the scheduler creates one per task.
	records []IterationRecord
}

// NewLoop wraps next with the review cycle.
func NewLoop(next executor.Executor, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	return &Loop{next: next, cfg: cfg, events: pubsub.NewBroker[Event]()}
}

// Subscribe returns a live feed of review events.
func (l *Loop) Subscribe(ctx context.Context) <-chan Event {
	return l.events.Subscribe(ctx)
}

// Records returns the iteration records of the most recent Execute call.
func (l *Loop) Records() []IterationRecord {
	return append([]IterationRecord(nil), l.records...)
}

func (l *Loop) emit(e Event) {
	e.Timestamp = time.Now()
	l.events.Publish(e)
	if l.cfg.Emit != nil {
		l.cfg.Emit(e)
	}
}

// Judge classifies one result. Transient failures retry, structural quality
// failures reject, clean results pass.
func (l *Loop) Judge(task *queue.Task, res *executor.Result) (Judgment, []FailedCriterion) {
	switch res.Status {
	case executor.StatusError, executor.StatusIncomplete, executor.StatusTimeout:
		return Retry, nil
	case executor.StatusBlocked:
		// A blocked dangerous operation must surface to the user, never be
		// silently re-run. Anything else blocked is a transient misreport.
		if task.Type == queue.TypeDangerousOp {
			return Pass, nil
		}
		return Retry, nil
	case executor.StatusAwaiting, executor.StatusCancelled:
		return Pass, nil // terminal passthrough, not a quality question
	}

	failed := EvaluateQuality(res)
	if l.cfg.GoalDriftGuard {
		failed = append(failed, EvaluateGoalDrift(res)...)
	}
	if len(failed) == 0 {
		return Pass, nil
	}
	return Reject, failed
}

// Execute runs the refine cycle: call the inner executor, judge, and either
// accept, re-prompt, or retry, up to MaxIterations.
func (l *Loop) Execute(ctx context.Context, task *queue.Task) (*executor.Result, error) {
	l.records = l.records[:0]
	l.emit(Event{Type: EventLoopStart, TaskID: task.ID})
	log.Info(log.CatReview, "loop start", "task", task.ID, "max", l.cfg.MaxIterations)

	current := task.Clone()
	var last *executor.Result

	for i := 1; i <= l.cfg.MaxIterations; i++ {
		l.emit(Event{Type: EventIterationStart, TaskID: task.ID, Iteration: i})

		ictx := ctx
		var span oteltrace.Span
		if l.cfg.Tracer != nil {
			ictx, span = l.cfg.Tracer.Start(ctx, "review.iteration", oteltrace.WithAttributes(
				attribute.String("task.id", string(task.ID)),
				attribute.Int("review.iteration", i),
			))
		}

		res, err := l.next.Execute(ictx, current)
		if err != nil {
			if span != nil {
				span.End()
			}
			l.emit(Event{Type: EventLoopEnd, TaskID: task.ID, Iteration: i, Detail: err.Error()})
			return nil, err
		}
		last = res

		judgment, failed := l.Judge(task, res)
		if span != nil {
			span.SetAttributes(attribute.String("review.judgment", string(judgment)))
			span.End()
		}
		l.emit(Event{
			Type: EventQualityJudgment, TaskID: task.ID, Iteration: i,
			Judgment: judgment, FailedCriteria: failed,
		})
		record := IterationRecord{Index: i, Judgment: judgment, FailedCriteria: failed}

		switch judgment {
		case Pass:
			l.records = append(l.records, record)
			l.emit(Event{Type: EventIterationEnd, TaskID: task.ID, Iteration: i, Judgment: Pass})
			l.emit(Event{Type: EventLoopEnd, TaskID: task.ID, Iteration: i})
			log.Info(log.CatReview, "pass", "task", task.ID, "iterations", i)
			return res, nil

		case Reject:
			prompt := ModificationPrompt(task.Prompt, failed)
			record.ModificationPrompt = prompt
			l.records = append(l.records, record)
			l.emit(Event{
				Type: EventRejectionDetail, TaskID: task.ID, Iteration: i,
				FailedCriteria: failed,
			})
			l.emit(Event{Type: EventModification, TaskID: task.ID, Iteration: i, Detail: prompt})
			current = task.Clone()
			current.Prompt = prompt
			log.Info(log.CatReview, "reject", "task", task.ID, "iteration", i, "failed", len(failed))

		case Retry:
			l.records = append(l.records, record)
			current = task.Clone() // original prompt, unchanged
			log.Info(log.CatReview, "retry", "task", task.ID, "iteration", i, "status", res.Status)
			if l.cfg.RetryDelay > 0 {
				select {
				case <-time.After(l.cfg.RetryDelay):
				case <-ctx.Done():
					l.emit(Event{Type: EventLoopEnd, TaskID: task.ID, Iteration: i, Detail: "cancelled"})
					return res, ctx.Err()
				}
			}
		}
		l.emit(Event{Type: EventIterationEnd, TaskID: task.ID, Iteration: i, Judgment: judgment})
	}

	// Bound reached. A still-BLOCKED result keeps its status so the
	// scheduler's rewrite rules apply; otherwise report exhaustion.
	l.emit(Event{Type: EventLoopEnd, TaskID: task.ID, Iteration: l.cfg.MaxIterations, Detail: "max iterations"})
	log.Warn(log.CatReview, "max iterations", "task", task.ID)

	if last == nil {
		last = &executor.Result{Status: executor.StatusError}
	}
	if last.Status != executor.StatusBlocked {
		if l.cfg.EscalateOnMax {
			last.Status = executor.StatusIncomplete
		} else {
			last.Status = executor.StatusError
		}
		if last.ErrorMessage == "" {
			last.ErrorMessage = fmt.Sprintf("review loop exhausted after %d iterations", l.cfg.MaxIterations)
		}
	}
	return last, nil
}

// ModificationPrompt composes the corrective re-prompt for a rejection,
// naming every failed criterion.
func ModificationPrompt(original string, failed []FailedCriterion) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nThe previous attempt was rejected. Fix the following and redo the work completely:\n")
	for _, f := range failed {
		fmt.Fprintf(&b, "- [%s] %s\n", f.ID, f.Detail)
	}
	return b.String()
}

var _ executor.Executor = (*Loop)(nil)
