// Package review evaluates executor results against quality criteria and
// drives the PASS / REJECT / RETRY refinement cycle.
package review

import (
	"fmt"
	"os"
	"strings"

	"github.com/EarthLinkNetwork/agentq/internal/executor"
)

// Judgment is the verdict for one review iteration.
type Judgment string

const (
	// Pass accepts the result as-is.
	Pass Judgment = "PASS"
	// Reject asks the executor again with a corrective re-prompt.
	Reject Judgment = "REJECT"
	// Retry re-submits the original prompt unchanged after a delay.
	Retry Judgment = "RETRY"
)

// FailedCriterion names one quality criterion the result did not meet.
type FailedCriterion struct {
	ID     string `json:"id"`
	Detail string `json:"detail"`
}

// previewLimit bounds how much of each verified file is scanned.
const previewLimit = 4 * 1024

// todoMarkers fail Q2 wherever they appear in output or file previews.
var todoMarkers = []string{"TODO", "FIXME", "TBD"}

// omissionMarkers fail Q3: the output elided part of the work.
var omissionMarkers = []string{"// 残り省略", "// etc.", "// 以下同様"}

// truncationMarkers fail Q4: the output tags itself as cut off.
var truncationMarkers = []string{
	"[truncated]", "(truncated)", "<truncated>", "...truncated", "…truncated",
	"output truncated", "response truncated",
}

// closingPhrases indicate the executor claims it finished (Q6).
var closingPhrases = []string{
	"完了しました", "以上です", "done", "finished", "all set", "complete",
}

// EvaluateQuality runs Q1 through Q6 and returns every failed criterion.
// An empty slice means the result passes.
func EvaluateQuality(res *executor.Result) []FailedCriterion {
	var failed []FailedCriterion
	previews := loadPreviews(res.VerifiedFiles)

	// Q1: every reported file was verified on disk.
	if len(res.UnverifiedFiles) > 0 {
		failed = append(failed, FailedCriterion{
			ID:     "Q1",
			Detail: fmt.Sprintf("unverified files: %s", strings.Join(res.UnverifiedFiles, ", ")),
		})
	}

	// Q2: no TODO/FIXME/TBD left behind.
	if marker := findMarker(res.Output, previews, todoMarkers); marker != "" {
		failed = append(failed, FailedCriterion{
			ID:     "Q2",
			Detail: fmt.Sprintf("unfinished marker %q present", marker),
		})
	}

	// Q3: no omission markers.
	if marker := findMarker(res.Output, previews, omissionMarkers); marker != "" {
		failed = append(failed, FailedCriterion{
			ID:     "Q3",
			Detail: fmt.Sprintf("omission marker %q present", marker),
		})
	} else if codeBlockHasEllipsis(res.Output) {
		failed = append(failed, FailedCriterion{
			ID:     "Q3",
			Detail: "code block contains a bare ellipsis",
		})
	}

	// Q4: output is not tagged truncated and brackets balance inside fenced
	// code blocks.
	if marker := truncationTag(res.Output); marker != "" {
		failed = append(failed, FailedCriterion{
			ID:     "Q4",
			Detail: fmt.Sprintf("output is tagged truncated: %q", marker),
		})
	} else if detail := unbalancedCodeBlocks(res.Output); detail != "" {
		failed = append(failed, FailedCriterion{ID: "Q4", Detail: detail})
	}

	// Q5: evidence of real work.
	hasEvidence := len(res.VerifiedFiles) > 0 ||
		(res.Executed && res.Status == executor.StatusComplete && len(res.FilesModified) > 0)
	if res.Status == executor.StatusNoEvidence {
		hasEvidence = false
	}
	if !hasEvidence {
		failed = append(failed, FailedCriterion{
			ID:     "Q5",
			Detail: "no verified files and no executed COMPLETE evidence",
		})
	}

	// Q6: a closing phrase without verified files is an early termination.
	if len(res.VerifiedFiles) == 0 && containsClosingPhrase(res.Output) {
		failed = append(failed, FailedCriterion{
			ID:     "Q6",
			Detail: "output claims completion but no files were verified",
		})
	}

	return failed
}

func loadPreviews(files []executor.FileStat) []string {
	previews := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path) //nolint:gosec // G304: paths come from the run being reviewed
		if err != nil {
			continue
		}
		if len(data) > previewLimit {
			data = data[:previewLimit]
		}
		previews = append(previews, string(data))
	}
	return previews
}

func findMarker(output string, previews []string, markers []string) string {
	for _, marker := range markers {
		if strings.Contains(output, marker) {
			return marker
		}
		for _, preview := range previews {
			if strings.Contains(preview, marker) {
				return marker
			}
		}
	}
	return ""
}

func truncationTag(output string) string {
	lower := strings.ToLower(output)
	for _, marker := range truncationMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

func containsClosingPhrase(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range closingPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// fencedBlocks extracts the contents of ``` fenced code blocks.
func fencedBlocks(output string) []string {
	var blocks []string
	var current []string
	inBlock := false
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inBlock = !inBlock
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}

func codeBlockHasEllipsis(output string) bool {
	for _, block := range fencedBlocks(output) {
		for _, line := range strings.Split(block, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "..." || trimmed == "…" {
				return true
			}
		}
	}
	return false
}

func unbalancedCodeBlocks(output string) string {
	pairs := [][2]rune{{'{', '}'}, {'[', ']'}, {'(', ')'}}
	for i, block := range fencedBlocks(output) {
		for _, pair := range pairs {
			if strings.Count(block, string(pair[0])) != strings.Count(block, string(pair[1])) {
				return fmt.Sprintf("code block %d has unbalanced %c%c", i+1, pair[0], pair[1])
			}
		}
	}
	return ""
}
