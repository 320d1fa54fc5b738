package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/logging"
	"lectern/internal/notifications"
	"lectern/internal/pipeline"
	"lectern/internal/preflight"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
	"lectern/internal/stages/httpstage"
	"lectern/internal/supervisor"
)

const (
	preflightInterval = 5 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Stages replaces the configured HTTP collaborators when set.
	Stages *stage.Set
	// Ready is called with the API address once the daemon serves requests.
	Ready func(address string)
}

// Run starts the lectern daemon and blocks until ctx ends or SIGINT/SIGTERM arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	// The lock guards the pid file and the store, so nothing below may run
	// while another instance owns them.
	lock, err := daemon.AcquireLock(cfg.LockPath())
	if err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "stop the other lectern daemon first"),
		)
		return err
	}
	defer lock.Unlock()

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := results.Open(signalCtx, cfg)
	if err != nil {
		logger.Error("open output store", logging.Error(err))
		return err
	}
	if store, err = archiveStore(signalCtx, cfg, store, logger); err != nil {
		return err
	}

	if interrupted, err := store.FailInterrupted(signalCtx, time.Now()); err != nil {
		logging.WarnWithContext(logger, "could not mark interrupted runs", "interrupted_runs_unmarked",
			logging.Error(err),
			logging.String(logging.FieldImpact, "documents from the previous process may report a stale state"),
		)
	} else if len(interrupted) > 0 {
		logger.Info("marked interrupted runs failed",
			logging.Int("count", len(interrupted)),
			logging.String(logging.FieldEventType, "interrupted_runs_failed"),
		)
	}

	hub, err := newHub(cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	stages, err := resolveStages(cfg, opts)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("register stages: %w", err)
	}
	logStageSnapshot(logger, cfg)

	engine, err := pipeline.NewEngine(pipeline.Options{
		Stages:  stages,
		Results: store,
		States:  store,
		Hub:     hub,
		Supervisor: supervisor.New(supervisor.Options{
			Timeout:       cfg.StageTimeout(),
			StageTimeouts: stageTimeouts(cfg),
			Grace:         cfg.CancelGrace(),
			Recorder:      supervisor.NewLogRecorder(logger),
		}),
		Logger:          logger,
		MaxConcurrent:   cfg.Pipeline.MaxConcurrentRuns,
		ResultCacheSize: cfg.Pipeline.ResultCacheSize,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create engine: %w", err)
	}

	d, err := daemon.New(cfg, store, engine, logger, daemon.WithLock(lock))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	runPreflight(signalCtx, logger, cfg, &stages, d)

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind"),
		)
		return err
	}
	if opts.Ready != nil {
		opts.Ready(d.Address())
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		ticker := time.NewTicker(preflightInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				runPreflight(groupCtx, logger, cfg, &stages, d)
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("lectern daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
		d.Stop()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		var errs []error
		if err := engine.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
		if err := hub.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		return errors.Join(errs...)
	})
	return group.Wait()
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if opts.LogLevel == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		FilePath:    cfg.LogFilePath(),
		Development: opts.Development,
	})
}

// newHub builds the progress hub with the webhook and notification subscribers.
func newHub(cfg *config.Config, logger *slog.Logger) (*progress.Hub, error) {
	hub := progress.NewHub(progress.HubOptions{
		Capacity: cfg.Progress.BufferSize,
		Logger:   logger,
	})
	if target := strings.TrimSpace(cfg.Progress.WebhookURL); target != "" {
		sink, err := progress.NewWebhookSink(target, cfg.Progress.WebhookSource)
		if err != nil {
			return nil, fmt.Errorf("create webhook sink: %w", err)
		}
		if err := hub.Subscribe("webhook", sink); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		if err := hub.Subscribe("notifications", progress.NewNotifySink(notifications.NewService(cfg))); err != nil {
			return nil, err
		}
	}
	return hub, nil
}

func archiveStore(ctx context.Context, cfg *config.Config, store results.Store, logger *slog.Logger) (results.Store, error) {
	archived, err := results.WithArchive(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		logging.ErrorWithContext(logger, "open result archive", "archive_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check store.archive_bucket and application default credentials"),
		)
		return nil, err
	}
	return archived, nil
}

func resolveStages(cfg *config.Config, opts Options) (stage.Set, error) {
	if opts.Stages != nil {
		return *opts.Stages, opts.Stages.Validate()
	}
	return httpstage.NewSet(cfg)
}

func stageTimeouts(cfg *config.Config) map[stage.Name]time.Duration {
	raw := cfg.StageTimeouts()
	out := make(map[stage.Name]time.Duration, len(raw))
	for name, timeout := range raw {
		out[stage.Name(name)] = timeout
	}
	return out
}

func runPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config, stages *stage.Set, d *daemon.Daemon) {
	checks := preflight.RunAll(ctx, cfg, stages)
	d.SetPreflight(checks)
	for _, failed := range preflight.Failed(checks) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "documents may fail at the affected stage"),
		)
	}
}

func logStageSnapshot(logger *slog.Logger, cfg *config.Config) {
	attrs := []logging.Attr{logging.String(logging.FieldEventType, "stage_snapshot")}
	for _, ep := range cfg.Endpoints() {
		attrs = append(attrs, logging.String(ep.Name+"_url", ep.Endpoint.URL))
	}
	attrs = append(attrs,
		logging.String("store_driver", cfg.Store.Driver),
		logging.Bool("archive_configured", cfg.Store.ArchiveBucket != ""),
		logging.Bool("webhook_configured", strings.TrimSpace(cfg.Progress.WebhookURL) != ""),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
	logger.Info("stage snapshot", logging.Args(attrs...)...)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
