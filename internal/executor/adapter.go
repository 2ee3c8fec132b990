package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/pubsub"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Transcript markers the child emits on stdout. Everything else is treated
// as free-form output.
const (
	markerFileModified = "FILE_MODIFIED:"
	markerFileCreated  = "FILE_CREATED:"
	markerResult       = "RESULT:"
	markerQuestion     = "QUESTION:"
)

// ringCapacity bounds the per-task output buffer; the oldest chunks are
// dropped when a run outproduces its readers.
const ringCapacity = 1024

// defaultGracePeriod is how long a child gets between SIGTERM and SIGKILL.
const defaultGracePeriod = 5 * time.Second

// ProgressSink receives tagged progress events during a run, typically
// wired to Store.AppendEvent.
type ProgressSink func(event queue.ProgressEvent)

// Config configures the subprocess adapter.
type Config struct {
	// Command is the child executor binary; Args are passed verbatim.
	Command string
	Args    []string
	// WorkDir is the child's working directory. Empty means inherit.
	WorkDir string
	// CredentialEnvVars feed the preflight auth check.
	CredentialEnvVars []string
	// Profile selects the timeout profile; empty uses the prompt heuristic.
	Profile string
	// GracePeriod between graceful and forceful termination.
	GracePeriod time.Duration
	// Sink receives progress events; nil discards them.
	Sink ProgressSink
}

// Adapter spawns one child process per Execute call and supervises it.
// Termination triggers are exactly: child exit, the hard deadline, and
// caller cancellation. Stdout silence alone never kills the child.
type Adapter struct {
	cfg    Config
	broker *pubsub.Broker[Chunk]

	mu       sync.Mutex
	lastRing *pubsub.Ring[Chunk]
}

// New returns an adapter for the given configuration.
func New(cfg Config) *Adapter {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Adapter{cfg: cfg, broker: pubsub.NewBroker[Chunk]()}
}

// Subscribe returns a live feed of output chunks across runs.
func (a *Adapter) Subscribe(ctx context.Context) <-chan Chunk {
	return a.broker.Subscribe(ctx)
}

// BufferedChunks returns the retained chunks of the most recent run.
func (a *Adapter) BufferedChunks() []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRing == nil {
		return nil
	}
	return a.lastRing.Snapshot()
}

// transcript accumulates the parsed child output for one run.
type transcript struct {
	mu            sync.Mutex
	output        strings.Builder
	filesModified []string
	resultMarker  string
	blockedReason string
	question      string
	stderrTail    []string
}

func (t *transcript) addLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case strings.HasPrefix(line, markerFileModified):
		t.filesModified = append(t.filesModified, strings.TrimSpace(strings.TrimPrefix(line, markerFileModified)))
	case strings.HasPrefix(line, markerFileCreated):
		t.filesModified = append(t.filesModified, strings.TrimSpace(strings.TrimPrefix(line, markerFileCreated)))
	case strings.HasPrefix(line, markerResult):
		rest := strings.TrimSpace(strings.TrimPrefix(line, markerResult))
		fields := strings.SplitN(rest, " ", 2)
		t.resultMarker = fields[0]
		if len(fields) == 2 {
			t.blockedReason = strings.TrimSpace(fields[1])
		}
	case strings.HasPrefix(line, markerQuestion):
		t.question = strings.TrimSpace(strings.TrimPrefix(line, markerQuestion))
	default:
		t.output.WriteString(line)
		t.output.WriteString("\n")
	}
}

func (t *transcript) addStderr(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stderrTail = append(t.stderrTail, line)
	if len(t.stderrTail) > 20 {
		t.stderrTail = t.stderrTail[1:]
	}
}

// Execute runs the child once for the task. Failures of the run are carried
// in the Result; the error return is reserved for adapter-internal faults.
func (a *Adapter) Execute(ctx context.Context, task *queue.Task) (*Result, error) {
	start := time.Now()

	if err := Preflight(PreflightConfig{
		Command:           a.cfg.Command,
		CredentialEnvVars: a.cfg.CredentialEnvVars,
	}); err != nil {
		log.Warn(log.CatExec, "preflight failed", "task", task.ID, "error", err)
		return &Result{
			Executed:     false,
			Status:       StatusError,
			ErrorMessage: err.Error(),
			TerminatedBy: TerminatedPreflight,
			DurationMS:   time.Since(start).Milliseconds(),
		}, nil
	}

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	profile := ProfileByName(a.cfg.Profile)
	if a.cfg.Profile == "" {
		profile = ProfileForPrompt(task.Prompt)
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...) //nolint:gosec // G204: command is operator-configured
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &Result{
			Executed:     false,
			Status:       StatusError,
			ErrorMessage: fmt.Sprintf("spawn failed: %v", err),
			DurationMS:   time.Since(start).Milliseconds(),
		}, nil
	}
	log.Info(log.CatExec, "child started", "task", task.ID, "pid", cmd.Process.Pid, "profile", profile.Name)

	go writePrompt(stdin, task)

	ring := pubsub.NewRing[Chunk](ringCapacity)
	a.mu.Lock()
	a.lastRing = ring
	a.mu.Unlock()

	filter := NewStaleFilter(task.ID, sessionID, task.CreatedAt)
	tr := &transcript{}
	progressCh := make(chan struct{}, 1)
	exitCh := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go a.parseOutput(&wg, stdout, task, sessionID, filter, ring, tr, progressCh)
	go a.parseStderr(&wg, stderr, task, sessionID, filter, ring, tr, progressCh)
	go func() {
		wg.Wait()
		exitCh <- cmd.Wait()
	}()

	idle := time.NewTimer(profile.Idle)
	defer idle.Stop()
	hard := time.NewTimer(profile.Hard)
	defer hard.Stop()

	for {
		select {
		case exitErr := <-exitCh:
			return a.buildResult(task, tr, exitErr, sessionID, start, TerminatedExit), nil

		case <-progressCh:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(profile.Idle)

		case <-hard.C:
			log.Warn(log.CatExec, "hard deadline", "task", task.ID, "limit", profile.Hard)
			a.terminate(cmd, exitCh)
			res := a.buildResult(task, tr, nil, sessionID, start, TerminatedHard)
			res.Status = StatusTimeout
			res.ErrorMessage = fmt.Sprintf("hard: exceeded %s deadline of %s", profile.Name, profile.Hard)
			return res, nil

		case <-ctx.Done():
			log.Info(log.CatExec, "cancelled", "task", task.ID)
			a.terminate(cmd, exitCh)
			res := a.buildResult(task, tr, nil, sessionID, start, TerminatedCancel)
			res.Status = StatusCancelled
			return res, nil

		case <-idle.C:
			elapsed := time.Since(start)
			if profile.IdleToAwaiting {
				// Park the task without killing the child: it may still be
				// thinking. A reaper bounds it by the remaining hard budget.
				log.Info(log.CatExec, "idle, parking", "task", task.ID, "idle", profile.Idle)
				go a.reap(cmd, exitCh, profile.Hard-elapsed)
				res := a.buildResult(task, tr, nil, sessionID, start, TerminatedIdle)
				res.Status = StatusAwaiting
				res.Question = fmt.Sprintf(
					"No progress for %s. The run was parked; reply to resume or cancel the task.", profile.Idle)
				return res, nil
			}
			a.terminate(cmd, exitCh)
			res := a.buildResult(task, tr, nil, sessionID, start, TerminatedIdle)
			res.Status = StatusTimeout
			res.ErrorMessage = fmt.Sprintf("idle: no progress for %s", profile.Idle)
			return res, nil
		}
	}
}

// writePrompt streams the task context to the child and closes stdin.
func writePrompt(stdin io.WriteCloser, task *queue.Task) {
	defer stdin.Close()
	if _, err := io.WriteString(stdin, task.Prompt); err != nil {
		return
	}
	if task.UserReply != "" {
		_, _ = io.WriteString(stdin, "\n\nUSER_REPLY: "+task.UserReply)
	}
	_, _ = io.WriteString(stdin, "\n")
}

func (a *Adapter) parseOutput(wg *sync.WaitGroup, stdout io.Reader, task *queue.Task,
	sessionID string, filter *StaleFilter, ring *pubsub.Ring[Chunk], tr *transcript,
	progressCh chan struct{}) {
	defer wg.Done()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		chunk := Chunk{
			TaskID: task.ID, SessionID: sessionID,
			Stream: "stdout", Content: line, Timestamp: time.Now(),
		}
		if filter.IsStale(chunk) {
			log.Debug(log.CatExec, "dropped stale chunk", "task", task.ID)
			continue
		}
		ring.Append(chunk)
		a.broker.Publish(chunk)
		tr.addLine(line)

		if a.cfg.Sink != nil {
			a.cfg.Sink(queue.ProgressEvent{
				Type: queue.EventLogChunk, Data: line,
				TaskID: task.ID, SessionID: sessionID, Timestamp: chunk.Timestamp,
			})
		}
		select {
		case progressCh <- struct{}{}:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatExec, "stdout scanner error", "task", task.ID, "error", err)
	}
}

func (a *Adapter) parseStderr(wg *sync.WaitGroup, stderr io.Reader, task *queue.Task,
	sessionID string, filter *StaleFilter, ring *pubsub.Ring[Chunk], tr *transcript,
	progressCh chan struct{}) {
	defer wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatExec, "STDERR", "task", task.ID, "line", line)
		chunk := Chunk{
			TaskID: task.ID, SessionID: sessionID,
			Stream: "stderr", Content: line, Timestamp: time.Now(),
		}
		if filter.IsStale(chunk) {
			continue
		}
		ring.Append(chunk)
		a.broker.Publish(chunk)
		tr.addStderr(line)

		select {
		case progressCh <- struct{}{}:
		default:
		}
	}
}

// terminate stops the child gracefully, then forcefully after the grace
// period, and drains the exit channel.
func (a *Adapter) terminate(cmd *exec.Cmd, exitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exitCh:
		return
	case <-time.After(a.cfg.GracePeriod):
	}
	_ = cmd.Process.Kill()
	<-exitCh
}

// reap waits for a parked child to exit on its own, killing it only once the
// remaining hard budget runs out.
func (a *Adapter) reap(cmd *exec.Cmd, exitCh <-chan error, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	select {
	case <-exitCh:
	case <-time.After(remaining):
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-exitCh:
			case <-time.After(a.cfg.GracePeriod):
				_ = cmd.Process.Kill()
				<-exitCh
			}
		}
	}
}

// buildResult assembles the Result from the transcript and exit state.
func (a *Adapter) buildResult(task *queue.Task, tr *transcript, exitErr error,
	sessionID string, start time.Time, terminatedBy string) *Result {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	res := &Result{
		Executed:      true,
		Output:        tr.output.String(),
		FilesModified: append([]string(nil), tr.filesModified...),
		DurationMS:    time.Since(start).Milliseconds(),
		SessionID:     sessionID,
		TerminatedBy:  terminatedBy,
	}

	for _, path := range res.FilesModified {
		info, err := os.Stat(path)
		if err != nil {
			res.UnverifiedFiles = append(res.UnverifiedFiles, path)
			continue
		}
		res.VerifiedFiles = append(res.VerifiedFiles, FileStat{Path: path, Exists: true, Size: info.Size()})
	}

	switch {
	case tr.question != "":
		res.Status = StatusAwaiting
		res.Question = tr.question
	case tr.resultMarker == "BLOCKED":
		res.Status = StatusBlocked
		res.BlockedReason = tr.blockedReason
	case tr.resultMarker == "INCOMPLETE":
		res.Status = StatusIncomplete
	case tr.resultMarker == "COMPLETE":
		res.Status = StatusComplete
	case exitErr != nil:
		res.Status = StatusError
		tail := strings.Join(tr.stderrTail, "\n")
		if tail == "" {
			tail = exitErr.Error()
		}
		res.ErrorMessage = tail
	case len(res.FilesModified) == 0 && res.Output == "":
		res.Status = StatusNoEvidence
	default:
		res.Status = StatusComplete
	}
	return res
}

var _ Executor = (*Adapter)(nil)
