// Package config provides configuration types and defaults for agentq.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/EarthLinkNetwork/agentq/internal/namespace"
)

// Config holds all configuration options for the scheduler daemon.
type Config struct {
	// StateDir is the root directory for queue state, traces, and the
	// sqlite database. Default: ~/.agentq
	StateDir string `mapstructure:"state_dir"`

	// Namespace scopes all queue state. Derived from the working
	// directory when empty.
	Namespace string `mapstructure:"namespace"`

	// ListenAddr is the control-plane HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	Queue    QueueConfig    `mapstructure:"queue"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Review   ReviewConfig   `mapstructure:"review"`
	Chunking ChunkingConfig `mapstructure:"chunking"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// QueueConfig holds queue store and poller settings.
type QueueConfig struct {
	// Store selects the backend: "file" or "sqlite".
	Store string `mapstructure:"store"`

	// MaxConcurrent is the executor semaphore size.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// PollInterval is the scheduler sleep between empty claim attempts.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// StaleThreshold is how old a RUNNING task's updated-at must be
	// before the restart detector reclaims it.
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`

	// AllowSoftResume lets the restart detector leave a stale task
	// RUNNING for an external executor instead of rolling it back.
	AllowSoftResume bool `mapstructure:"allow_soft_resume"`
}

// ExecutorConfig holds child process settings.
type ExecutorConfig struct {
	// Command is the executor binary. Required.
	Command string `mapstructure:"command"`

	// Args are fixed arguments passed before the prompt.
	Args []string `mapstructure:"args"`

	// WorkDir is the working directory for child processes.
	// Default: current directory.
	WorkDir string `mapstructure:"work_dir"`

	// Profile selects the timeout profile: "standard", "long", or
	// "extended". Empty lets the adapter pick per prompt.
	Profile string `mapstructure:"profile"`

	// CredentialEnvVars are the environment variables checked by the
	// preflight; at least one must be non-empty.
	CredentialEnvVars []string `mapstructure:"credential_env_vars"`
}

// ReviewConfig holds review-loop settings.
type ReviewConfig struct {
	// MaxIterations bounds the execute-review cycle per task.
	MaxIterations int `mapstructure:"max_iterations"`

	// EscalateOnMax reports INCOMPLETE instead of ERROR when the
	// iteration bound is hit.
	EscalateOnMax bool `mapstructure:"escalate_on_max"`

	// GoalDriftGuard enables the GD1-GD5 checks.
	GoalDriftGuard bool `mapstructure:"goal_drift_guard"`
}

// ChunkingConfig holds task decomposition settings.
type ChunkingConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MinSubtasks int  `mapstructure:"min_subtasks"`
	MaxSubtasks int  `mapstructure:"max_subtasks"`
	MaxRetries  int  `mapstructure:"max_retries"`
}

// TracingConfig holds span export configuration.
type TracingConfig struct {
	// Enabled controls whether otel span export is active.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the backend: "none", "file", "stdout".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		StateDir:   DefaultStateDir(),
		ListenAddr: "127.0.0.1:8139",
		Queue: QueueConfig{
			Store:          "file",
			MaxConcurrent:  4,
			PollInterval:   time.Second,
			StaleThreshold: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Command:           "claude",
			CredentialEnvVars: []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		},
		Review: ReviewConfig{
			MaxIterations:  3,
			GoalDriftGuard: true,
		},
		Chunking: ChunkingConfig{
			Enabled:     true,
			MinSubtasks: 2,
			MaxSubtasks: 10,
			MaxRetries:  2,
		},
		Tracing: TracingConfig{
			Exporter: "file",
		},
	}
}

// DefaultStateDir returns ~/.agentq, or a relative fallback when the home
// directory is unavailable.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentq"
	}
	return filepath.Join(home, ".agentq")
}

// Load reads configuration from the given file (optional), environment
// variables prefixed AGENTQ_, and defaults, then validates the result.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTQ")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "agentq"))
		}
		v.AddConfigPath(DefaultStateDir())
		v.SetConfigName("agentq")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Namespace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("derive namespace: %w", err)
		}
		cfg.Namespace = namespace.Derive(wd)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("queue.store", d.Queue.Store)
	v.SetDefault("queue.max_concurrent", d.Queue.MaxConcurrent)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.stale_threshold", d.Queue.StaleThreshold)
	v.SetDefault("executor.command", d.Executor.Command)
	v.SetDefault("executor.credential_env_vars", d.Executor.CredentialEnvVars)
	v.SetDefault("review.max_iterations", d.Review.MaxIterations)
	v.SetDefault("review.goal_drift_guard", d.Review.GoalDriftGuard)
	v.SetDefault("chunking.enabled", d.Chunking.Enabled)
	v.SetDefault("chunking.min_subtasks", d.Chunking.MinSubtasks)
	v.SetDefault("chunking.max_subtasks", d.Chunking.MaxSubtasks)
	v.SetDefault("chunking.max_retries", d.Chunking.MaxRetries)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if err := namespace.Validate(c.Namespace); err != nil {
		return err
	}
	switch c.Queue.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("queue.store must be \"file\" or \"sqlite\", got %q", c.Queue.Store)
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be at least 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if c.Executor.Command == "" {
		return fmt.Errorf("executor.command must not be empty")
	}
	if c.Review.MaxIterations < 1 {
		return fmt.Errorf("review.max_iterations must be at least 1, got %d", c.Review.MaxIterations)
	}
	switch c.Tracing.Exporter {
	case "", "none", "file", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", or \"stdout\", got %q", c.Tracing.Exporter)
	}
	return nil
}

// SQLitePath returns the database path under the state dir.
func (c Config) SQLitePath() string {
	return filepath.Join(c.StateDir, "queue.db")
}

// TraceFilePath returns the span output path, defaulting under the state dir.
func (c Config) TraceFilePath() string {
	if c.Tracing.FilePath != "" {
		return c.Tracing.FilePath
	}
	return filepath.Join(c.StateDir, "trace", "spans.jsonl")
}
