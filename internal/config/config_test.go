package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	cfg.Namespace = "proj-abcd"
	require.NoError(t, cfg.Validate())
	require.Equal(t, 4, cfg.Queue.MaxConcurrent)
	require.Equal(t, time.Second, cfg.Queue.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Queue.StaleThreshold)
	require.Equal(t, "file", cfg.Queue.Store)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentq.yaml")
	content := `
state_dir: ` + dir + `
namespace: custom-ns
listen_addr: "127.0.0.1:9000"
queue:
  store: sqlite
  max_concurrent: 2
  poll_interval: 250ms
executor:
  command: /usr/local/bin/runner
  profile: long
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom-ns", cfg.Namespace)
	require.Equal(t, "sqlite", cfg.Queue.Store)
	require.Equal(t, 2, cfg.Queue.MaxConcurrent)
	require.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	require.Equal(t, "/usr/local/bin/runner", cfg.Executor.Command)
	require.Equal(t, "long", cfg.Executor.Profile)
	// Unset fields keep defaults.
	require.Equal(t, 3, cfg.Review.MaxIterations)
	require.Equal(t, filepath.Join(dir, "queue.db"), cfg.SQLitePath())
}

func TestLoadDerivesNamespace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: "+dir+"\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Namespace)
	require.Regexp(t, `^[a-z0-9-]+$`, cfg.Namespace)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Defaults()
	base.Namespace = "proj-abcd"

	cfg := base
	cfg.Queue.Store = "redis"
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Queue.MaxConcurrent = 0
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Executor.Command = ""
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Namespace = "Bad Namespace"
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Tracing.Exporter = "kafka"
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestTraceFilePathDefaultsUnderStateDir(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = "/var/lib/agentq"
	require.Equal(t, "/var/lib/agentq/trace/spans.jsonl", cfg.TraceFilePath())

	cfg.Tracing.FilePath = "/tmp/custom.jsonl"
	require.Equal(t, "/tmp/custom.jsonl", cfg.TraceFilePath())
}
