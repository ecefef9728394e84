package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/task"
	"mediaflow/internal/workflow"
)

// Daemon coordinates the workflow manager and the API server and enforces
// single-instance execution per state directory.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *task.Store
	artifacts *artifact.Store
	workflow  *workflow.Manager
	api       *apiServer

	lockPath string
	lock     *flock.Flock
	logPath  string

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	DatabasePath string
	LockFilePath string
	Artifacts    artifact.Usage
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *task.Store, artifacts *artifact.Store, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || artifacts == nil || wf == nil {
		return nil, errors.New("daemon requires config, task store, artifact store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		artifacts: artifacts,
		workflow:  wf,
		lockPath:  lockPath,
		logPath:   cfg.DaemonLogPath(),
		lock:      flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the workflow manager and starts
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediaflow daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("mediaflow daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops serving, drains the workflow manager and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("mediaflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Addr returns the address the API listens on, or "" before Start.
func (d *Daemon) Addr() string {
	return d.api.address()
}

// Handler exposes the API router.
func (d *Daemon) Handler() http.Handler {
	return d.api.router
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
	}
	if usage, err := d.artifacts.Usage(); err == nil {
		status.Artifacts = usage
	} else {
		d.logger.Warn("artifact usage unavailable", logging.Error(err))
	}
	return status
}
