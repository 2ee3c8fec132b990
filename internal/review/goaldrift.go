package review

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/EarthLinkNetwork/agentq/internal/executor"
	"github.com/EarthLinkNetwork/agentq/internal/log"
)

// Goal-drift criteria. Activated only for the goal_drift_guard template;
// each maps to a Q criterion for reporting.
//
//	GD1 escape phrases           -> Q2
//	GD2 premature completion     -> Q5
//	GD3 checklist required       -> Q5
//	GD4 COMPLETE/INCOMPLETE line -> Q5
//	GD5 scope reduction          -> Q3

var escapePhrases = []string{
	"out of scope", "will be handled later", "left as an exercise",
	"beyond this task", "someone else", "in a follow-up",
}

var prematurePatterns = []string{
	"should now work", "this ought to", "probably works", "untested but",
}

var scopeReductionPhrases = []string{
	"simplified version", "reduced scope", "only the first",
	"partial implementation", "minimal subset",
}

var checklistRe = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]\]`)

var completionLineRe = regexp.MustCompile(
	`(?m)^(COMPLETE: All \d+ requirements fulfilled|INCOMPLETE: Requirements .+ remain)`)

// EvaluateGoalDrift runs GD1 through GD5. Evaluation is fail-closed: a panic
// inside any criterion yields a rejection rather than a silent pass.
func EvaluateGoalDrift(res *executor.Result) (failed []FailedCriterion) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorErr(log.CatReview, "goal drift evaluation panicked", fmt.Errorf("%v", r))
			failed = append(failed, FailedCriterion{
				ID:     "Q5",
				Detail: "goal drift evaluation failed; rejecting",
			})
		}
	}()

	lower := strings.ToLower(res.Output)

	// GD1: escape phrases.
	for _, phrase := range escapePhrases {
		if strings.Contains(lower, phrase) {
			failed = append(failed, FailedCriterion{
				ID:     "Q2",
				Detail: fmt.Sprintf("escape phrase %q (GD1)", phrase),
			})
			break
		}
	}

	// GD2: premature completion claims.
	for _, pattern := range prematurePatterns {
		if strings.Contains(lower, pattern) {
			failed = append(failed, FailedCriterion{
				ID:     "Q5",
				Detail: fmt.Sprintf("premature completion claim %q (GD2)", pattern),
			})
			break
		}
	}

	// GD3: a requirement checklist must be present.
	if !checklistRe.MatchString(res.Output) {
		failed = append(failed, FailedCriterion{
			ID:     "Q5",
			Detail: "no requirement checklist found (GD3)",
		})
	}

	// GD4: an explicit COMPLETE / INCOMPLETE accounting line must be present.
	if !completionLineRe.MatchString(res.Output) {
		failed = append(failed, FailedCriterion{
			ID:     "Q5",
			Detail: "no requirements accounting line found (GD4)",
		})
	}

	// GD5: no scope-reduction phrases.
	for _, phrase := range scopeReductionPhrases {
		if strings.Contains(lower, phrase) {
			failed = append(failed, FailedCriterion{
				ID:     "Q3",
				Detail: fmt.Sprintf("scope reduction phrase %q (GD5)", phrase),
			})
			break
		}
	}

	return failed
}
