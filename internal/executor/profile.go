package executor

import (
	"strings"
	"time"
)

// Profile bounds one executor run. Timeouts are evaluated against progress
// events, never against stdout silence alone.
type Profile struct {
	Name string
	// Idle is the maximum gap between progress events before the run is
	// parked. idle_elapsed = now - max(created_at, last progress event).
	Idle time.Duration
	// Hard is the absolute ceiling measured from run start.
	Hard time.Duration
	// IdleToAwaiting parks the task as AWAITING_RESPONSE with a resume
	// question on idle expiry instead of failing it.
	IdleToAwaiting bool
}

var profiles = map[string]Profile{
	"standard": {Name: "standard", Idle: 60 * time.Second, Hard: 10 * time.Minute, IdleToAwaiting: true},
	"long":     {Name: "long", Idle: 120 * time.Second, Hard: 30 * time.Minute, IdleToAwaiting: true},
	"extended": {Name: "extended", Idle: 300 * time.Second, Hard: 60 * time.Minute, IdleToAwaiting: true},
}

// ProfileByName returns the named profile, falling back to standard.
func ProfileByName(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["standard"]
}

// scope words that suggest a long-running prompt.
var largeScopeWords = []string{
	"entire", "full", "all files", "whole", "complete rewrite",
	"module", "system", "refactor everything",
}

// ProfileForPrompt maps a prompt to a profile by a size heuristic: long
// prompts or large-scope wording get more headroom.
func ProfileForPrompt(prompt string) Profile {
	lower := strings.ToLower(prompt)
	scope := 0
	for _, w := range largeScopeWords {
		if strings.Contains(lower, w) {
			scope++
		}
	}
	switch {
	case len(prompt) > 4000 || scope >= 2:
		return profiles["extended"]
	case len(prompt) > 1000 || scope == 1:
		return profiles["long"]
	default:
		return profiles["standard"]
	}
}
