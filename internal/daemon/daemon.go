package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/preflight"
	"lectern/internal/results"
)

// Daemon owns the pipeline engine and API server and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  results.Store
	engine *pipeline.Engine

	lockPath string
	lock     *flock.Flock

	api     *apiServer
	running atomic.Bool

	mu     sync.Mutex
	checks []preflight.Result
}

// ErrInstanceRunning is returned when another daemon holds the lock.
var ErrInstanceRunning = errors.New("another lectern daemon instance is already running")

// AcquireLock takes the single-instance lock at path without waiting.
func AcquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrInstanceRunning
	}
	return lock, nil
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLock hands the daemon a lock the caller already holds. Start keeps it
// and Stop releases it.
func WithLock(lock *flock.Flock) Option {
	return func(d *Daemon) {
		if lock != nil {
			d.lock = lock
			d.lockPath = lock.Path()
		}
	}
}

// Status represents daemon runtime information.
type Status struct {
	Running   bool
	PID       int
	StorePath string
	LockPath  string
	Engine    pipeline.Status
	Checks    []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store results.Store, engine *pipeline.Engine, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || engine == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, engine, and logger")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		engine:   engine,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if !d.lock.Locked() {
		ok, err := d.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return ErrInstanceRunning
		}
	}

	if err := d.api.start(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("lectern daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops serving the API and releases the daemon lock. Runs in flight are
// left to the caller, which shuts the engine down.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("lectern daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Engine exposes the pipeline engine.
func (d *Daemon) Engine() *pipeline.Engine {
	return d.engine
}

// Address returns the API listen address once started.
func (d *Daemon) Address() string {
	return d.api.address()
}

// SetPreflight records the latest preflight results for status reporting.
func (d *Daemon) SetPreflight(checks []preflight.Result) {
	d.mu.Lock()
	d.checks = slices.Clone(checks)
	d.mu.Unlock()
}

// ListStates returns stored document states, with live snapshots for active runs.
func (d *Daemon) ListStates(ctx context.Context, statuses ...results.Status) ([]results.State, error) {
	states, err := d.store.ListStates(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	for i, s := range states {
		if s.Status.IsTerminal() {
			continue
		}
		if live, err := d.engine.State(ctx, s.DocumentID); err == nil {
			states[i] = live
		}
	}
	return states, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	checks := slices.Clone(d.checks)
	d.mu.Unlock()

	st := Status{
		Running:  d.running.Load(),
		PID:      os.Getpid(),
		LockPath: d.lockPath,
		Engine:   d.engine.Status(ctx),
		Checks:   checks,
	}
	if p, ok := d.store.(interface{ Path() string }); ok {
		st.StorePath = p.Path()
	}
	return st
}
