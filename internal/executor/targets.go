package executor

import (
	"regexp"
	"sort"
	"strings"
)

var targetTokenRe = regexp.MustCompile(`[A-Za-z0-9_./-]+`)

// extensionRe matches a trailing file extension: a dot, a letter, then up to
// seven more word characters.
var extensionRe = regexp.MustCompile(`\.[A-Za-z][A-Za-z0-9]{0,7}$`)

// TargetFiles extracts the file paths a prompt names, deduplicated and
// sorted. A token counts as a path when it contains a directory separator or
// ends in a file extension. The heuristic over-matches occasionally; a false
// positive only serializes two runs that would not actually collide.
func TargetFiles(prompt string) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, token := range targetTokenRe.FindAllString(prompt, -1) {
		token = strings.TrimPrefix(token, "./")
		token = strings.TrimRight(token, "./")
		if token == "" || seen[token] {
			continue
		}
		if !strings.Contains(token, "/") && !extensionRe.MatchString(token) {
			continue
		}
		if !strings.ContainsAny(token, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
			continue
		}
		seen[token] = true
		targets = append(targets, token)
	}
	sort.Strings(targets)
	return targets
}
