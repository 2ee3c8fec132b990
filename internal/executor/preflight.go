package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Preflight error reasons. These surface in the task's error message and are
// never reported as a timeout.
const (
	ReasonAuthError   = "AUTH_ERROR"
	ReasonConfigError = "CONFIG_ERROR"
)

// PreflightError is a failed pre-launch check; Reason is machine-readable.
type PreflightError struct {
	Reason  string
	Message string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// PreflightConfig names what must be in place before a child can launch.
type PreflightConfig struct {
	// Command is the child executor binary.
	Command string
	// CredentialEnvVars lists env vars of which at least one must be
	// non-empty for the child to authenticate. Empty list skips the check.
	CredentialEnvVars []string
}

// Preflight verifies the child binary is reachable and a credential is
// present. It fails closed: any doubt means the run does not start.
func Preflight(cfg PreflightConfig) error {
	if cfg.Command == "" {
		return &PreflightError{Reason: ReasonConfigError, Message: "executor command is not configured"}
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return &PreflightError{
			Reason:  ReasonConfigError,
			Message: fmt.Sprintf("executor binary %q not found on PATH", cfg.Command),
		}
	}
	if len(cfg.CredentialEnvVars) > 0 {
		found := false
		for _, name := range cfg.CredentialEnvVars {
			if os.Getenv(name) != "" {
				found = true
				break
			}
		}
		if !found {
			return &PreflightError{
				Reason:  ReasonAuthError,
				Message: fmt.Sprintf("no credential present in any of %v", cfg.CredentialEnvVars),
			}
		}
	}
	return nil
}

// PreflightReason extracts the machine-readable reason from a preflight
// error, or empty string when err is not one.
func PreflightReason(err error) string {
	var pe *PreflightError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
