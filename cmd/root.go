// Package cmd wires the CLI: configuration loading, the serve command, and
// process exit codes.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// Exit codes of the scheduler binary.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitFatal       = 2
)

var (
	version   = "dev"
	cfgFile   string
	debugLogs bool
)

var rootCmd = &cobra.Command{
	Use:          "agentq",
	Short:        "Task orchestration daemon for headless executor agents",
	Long:         `agentq runs a durable task queue, a polling scheduler, and an HTTP control plane. Each claimed task is executed by a child executor process and its result is quality-reviewed before a terminal status is persisted.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./agentq.yaml, then ~/.config/agentq, then <state-dir>)")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false,
		"log at debug level (also AGENTQ_DEBUG=1)")
	rootCmd.AddCommand(serveCmd)
}

// SetVersion overrides the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// exitError carries a process exit code through the command tree.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: ExitConfigError, err: err} }
func fatalError(err error) error  { return &exitError{code: ExitFatal, err: err} }

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfigError
}
