package review

import "strings"

// questionLeads are phrasings that open a clarification request.
var questionLeads = []string{
	"which ", "should i ", "do you want", "would you like",
	"please confirm", "please clarify", "could you specify",
	"どちらに", "どうしますか", "確認してください",
}

// ContainsClarificationQuestion reports whether the output is asking the
// user something rather than reporting work, and returns the question line.
// Used for the READ_INFO / REPORT rewrite: a COMPLETE result whose output is
// really a question becomes AWAITING_RESPONSE.
func ContainsClarificationQuestion(output string) (bool, string) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
			return true, trimmed
		}
		for _, lead := range questionLeads {
			if strings.Contains(lower, lead) {
				return true, trimmed
			}
		}
	}
	return false, ""
}
