// Package namespace derives and validates the queue namespace identifier.
// Namespaces partition all persisted state; every store path and API route
// is scoped by one.
package namespace

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var validRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate reports whether name is a legal namespace identifier.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if !validRe.MatchString(name) {
		return fmt.Errorf("namespace %q must match [a-z0-9-]+", name)
	}
	return nil
}

// Derive produces the namespace for a project directory:
// <basename>-<first 4 hex chars of sha256(absolute path)>. The same path
// always yields the same namespace.
func Derive(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("%s-%x", sanitize(filepath.Base(abs)), sum[:2])
}

// sanitize lowercases the basename and squeezes every illegal run into a
// single hyphen.
func sanitize(base string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "project"
	}
	return out
}
