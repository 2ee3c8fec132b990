// Package chunk decomposes oversized prompts into coordinated subtasks,
// executes them with bounded retry, and aggregates the results.
package chunk

import (
	"regexp"
	"strings"

	"github.com/EarthLinkNetwork/agentq/internal/queue"
)

// Mode is how subtasks are scheduled relative to each other.
type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

// SubtaskStatus tracks one subtask's lifecycle.
type SubtaskStatus string

const (
	SubtaskPending  SubtaskStatus = "PENDING"
	SubtaskRunning  SubtaskStatus = "RUNNING"
	SubtaskComplete SubtaskStatus = "COMPLETE"
	SubtaskFailed   SubtaskStatus = "FAILED"
)

// Definition is one planned subtask.
type Definition struct {
	ID           queue.TaskID  `json:"subtask_id"`
	ParentTaskID queue.TaskID  `json:"parent_task_id"`
	Prompt       string        `json:"prompt"`
	Dependencies []queue.TaskID `json:"dependencies,omitempty"`
	Order        int           `json:"execution_order"`
	Status       SubtaskStatus `json:"status"`
	RetryCount   int           `json:"retry_count"`
}

// Analysis is the decomposer's verdict for one prompt.
type Analysis struct {
	Decomposable bool
	Mode         Mode
	Subtasks     []Definition
}

// AnalyzerConfig bounds the decomposition.
type AnalyzerConfig struct {
	MinSubtasks int
	MaxSubtasks int
}

// DefaultAnalyzerConfig returns the stock bounds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{MinSubtasks: 2, MaxSubtasks: 10}
}

var enumItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// largeScopeIndicators suggest the prompt spans more than one unit of work.
var largeScopeIndicators = []string{
	"entire", "full", "module", "system", "all files", "whole", "全体", "すべて",
}

// orderingWords force sequential execution.
var orderingWords = []string{
	"first", "then", "finally", "after that", "next,", "まず", "次に", "最後に",
}

// Analyze inspects the prompt for enumeration combined with large-scope
// wording. Both indicators must be present, and the induced subtask count
// must fall inside the configured bounds; otherwise the task runs whole.
func Analyze(task *queue.Task, cfg AnalyzerConfig) Analysis {
	items := enumeratedItems(task.Prompt)
	if len(items) < cfg.MinSubtasks || len(items) > cfg.MaxSubtasks {
		return Analysis{}
	}
	if !hasLargeScope(task.Prompt) {
		return Analysis{}
	}

	mode := Parallel
	if hasOrderingWords(task.Prompt) {
		mode = Sequential
	}

	context := promptContext(task.Prompt)
	subtasks := make([]Definition, len(items))
	for i, item := range items {
		prompt := item
		if context != "" {
			prompt = context + "\n\n" + item
		}
		subtasks[i] = Definition{
			ID:           queue.NewTaskID(),
			ParentTaskID: task.ID,
			Prompt:       prompt,
			Order:        i,
			Status:       SubtaskPending,
		}
		if mode == Sequential && i > 0 {
			subtasks[i].Dependencies = []queue.TaskID{subtasks[i-1].ID}
		}
	}
	return Analysis{Decomposable: true, Mode: mode, Subtasks: subtasks}
}

func enumeratedItems(prompt string) []string {
	var items []string
	for _, line := range strings.Split(prompt, "\n") {
		if m := enumItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	return items
}

func hasLargeScope(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, ind := range largeScopeIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func hasOrderingWords(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, w := range orderingWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// promptContext is the prose before the first list item, carried into every
// subtask prompt so items keep their surrounding intent.
func promptContext(prompt string) string {
	var lines []string
	for _, line := range strings.Split(prompt, "\n") {
		if enumItemRe.MatchString(line) {
			break
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
