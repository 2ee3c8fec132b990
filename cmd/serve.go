package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/EarthLinkNetwork/agentq/internal/chunk"
	"github.com/EarthLinkNetwork/agentq/internal/config"
	"github.com/EarthLinkNetwork/agentq/internal/control"
	"github.com/EarthLinkNetwork/agentq/internal/control/api"
	"github.com/EarthLinkNetwork/agentq/internal/executor"
	"github.com/EarthLinkNetwork/agentq/internal/lock"
	"github.com/EarthLinkNetwork/agentq/internal/log"
	"github.com/EarthLinkNetwork/agentq/internal/queue"
	"github.com/EarthLinkNetwork/agentq/internal/review"
	"github.com/EarthLinkNetwork/agentq/internal/scheduler"
	"github.com/EarthLinkNetwork/agentq/internal/trace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the control-plane HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return configError(err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fatalError(fmt.Errorf("create state dir: %w", err))
	}
	cleanupLog, err := log.Init(filepath.Join(cfg.StateDir, "agentq.log"))
	if err != nil {
		return fatalError(fmt.Errorf("init logging: %w", err))
	}
	defer cleanupLog()
	if !debugLogs && os.Getenv("AGENTQ_DEBUG") == "" {
		log.SetMinLevel(log.LevelInfo)
	}
	log.Info(log.CatConfig, "configuration loaded",
		"namespace", cfg.Namespace, "store", cfg.Queue.Store, "listen", cfg.ListenAddr)

	store, err := openStore(cfg)
	if err != nil {
		return fatalError(fmt.Errorf("open queue store: %w", err))
	}
	defer func() { _ = store.Close() }()

	provider, err := trace.NewProvider(trace.ProviderConfig{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		FilePath: cfg.TraceFilePath(),
	})
	if err != nil {
		return configError(fmt.Errorf("tracing: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	recorder := trace.NewRecorder(cfg.StateDir)
	defer func() { _ = recorder.Close() }()

	sem := lock.NewSemaphore(cfg.Queue.MaxConcurrent)
	locks := lock.NewManager()
	registry := scheduler.NewRegistry(0)

	sched := scheduler.New(scheduler.Config{
		Namespace:       cfg.Namespace,
		PollInterval:    cfg.Queue.PollInterval,
		StaleThreshold:  cfg.Queue.StaleThreshold,
		AllowSoftResume: cfg.Queue.AllowSoftResume,
		Tracer:          provider.Tracer(),
	}, store, sem, locks, executorFactory(cfg, store, sem, locks, recorder, provider.Tracer()), registry, recorder)

	svc := control.NewService(control.Config{
		Store:     store,
		Namespace: cfg.Namespace,
		Registry:  registry,
		Traces:    recorder,
		Events:    sched,
	})
	server, err := api.NewServer(api.ServerConfig{Addr: cfg.ListenAddr, Service: svc})
	if err != nil {
		return fatalError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	select {
	case <-ctx.Done():
		log.Info(log.CatSched, "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fatalError(fmt.Errorf("api server: %w", err))
		}
	}

	// Finish the in-flight task, stop claiming, then close the listener.
	<-schedDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn(log.CatHTTP, "server shutdown", "error", err)
	}
	return nil
}

func openStore(cfg config.Config) (queue.Store, error) {
	if cfg.Queue.Store == "sqlite" {
		return queue.NewSQLiteStore(cfg.SQLitePath())
	}
	return queue.NewFileStore(cfg.StateDir)
}

// executorFactory builds a fresh executor chain per claimed task:
// chunk runner -> file locks -> review loop -> adapter. Review and chunk
// events land in the per-task trace; each run (whole task or subtask) holds
// write locks over the files its prompt names.
func executorFactory(cfg config.Config, store queue.Store, sem *lock.Semaphore, locks *lock.Manager,
	recorder *trace.Recorder, tracer oteltrace.Tracer) scheduler.ExecutorFactory {
	return func(task *queue.Task) executor.Executor {
		reviewed := func() executor.Executor {
			adapter := executor.New(executor.Config{
				Command:           cfg.Executor.Command,
				Args:              cfg.Executor.Args,
				WorkDir:           cfg.Executor.WorkDir,
				CredentialEnvVars: cfg.Executor.CredentialEnvVars,
				Profile:           cfg.Executor.Profile,
				Sink: func(event queue.ProgressEvent) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := store.AppendEvent(ctx, cfg.Namespace, event.TaskID, event); err != nil {
						log.Debug(log.CatExec, "progress event write failed", "task", event.TaskID, "error", err)
					}
				},
			})
			loopCfg := review.DefaultConfig()
			loopCfg.MaxIterations = cfg.Review.MaxIterations
			loopCfg.EscalateOnMax = cfg.Review.EscalateOnMax
			loopCfg.GoalDriftGuard = cfg.Review.GoalDriftGuard
			loopCfg.Emit = func(e review.Event) { recorder.Record(task.ID, e) }
			loopCfg.Tracer = tracer
			return executor.NewLocked(review.NewLoop(adapter, loopCfg), locks)
		}

		if !cfg.Chunking.Enabled {
			return reviewed()
		}
		chunkCfg := chunk.DefaultConfig()
		chunkCfg.Analyzer.MinSubtasks = cfg.Chunking.MinSubtasks
		chunkCfg.Analyzer.MaxSubtasks = cfg.Chunking.MaxSubtasks
		chunkCfg.MaxRetries = cfg.Chunking.MaxRetries
		chunkCfg.Emit = func(e chunk.Event) { recorder.Record(task.ID, e) }
		chunkCfg.RecordSubtasks = func(parent queue.TaskID, subtasks []queue.TaskID) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SetSubtasks(ctx, cfg.Namespace, parent, subtasks); err != nil {
				log.Warn(log.CatChunk, "subtask ids write failed", "task", parent, "error", err)
			}
		}
		return chunk.NewRunner(reviewed, sem, chunkCfg)
	}
}
