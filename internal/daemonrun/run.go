package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mediaflow/internal/artifact"
	"mediaflow/internal/capcache"
	"mediaflow/internal/config"
	"mediaflow/internal/daemon"
	"mediaflow/internal/events"
	"mediaflow/internal/logging"
	"mediaflow/internal/notifications"
	"mediaflow/internal/pipelines"
	"mediaflow/internal/preflight"
	"mediaflow/internal/task"
	"mediaflow/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the orchestrator daemon and blocks until the context is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("mediaflowd-%s.log", runID))
	logger, err := newLogger(cfg, opts, logPath)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, filepath.Base(cfg.DaemonLogPath()), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update mediaflowd.log link: %v\n", err)
	}
	logDependencySnapshot(signalCtx, logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := task.Open(cfg)
	if err != nil {
		logger.Error("open task store", logging.Error(err))
		return err
	}
	defer store.Close()

	artifacts, err := artifact.Open(cfg.Paths.ArtifactDir)
	if err != nil {
		return err
	}

	var managerOpts []workflow.Option
	cache, err := capcache.Open(cfg.CapabilityCachePath(), cfg.CapabilityTTL())
	if err != nil {
		logger.Warn("capability cache unavailable; descriptors will be fetched on every submit",
			logging.Error(err),
			logging.String(logging.FieldEventType, "capability_cache_unavailable"),
			logging.String(logging.FieldErrorHint, "check cache_dir permissions or stop other processes using it"),
		)
	} else {
		defer cache.Close()
	}
	managerOpts = append(managerOpts, workflow.WithResolver(capcache.NewResolver(cache, logger)))

	catalog, err := pipelines.Load(cfg.Pipelines.File)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	managerOpts = append(managerOpts, workflow.WithCatalog(catalog))

	publisher, err := events.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Warn("event publishing disabled",
			logging.Error(err),
			logging.String(logging.FieldEventType, "events_unavailable"),
			logging.String(logging.FieldImpact, "task lifecycle events will not reach NATS"),
		)
		publisher = events.Nop{}
	}
	defer publisher.Close()
	managerOpts = append(managerOpts,
		workflow.WithPublisher(publisher),
		workflow.WithNotifier(notifications.NewService(cfg)),
	)

	workflowManager, err := workflow.NewManager(cfg, store, artifacts, logger, managerOpts...)
	if err != nil {
		return fmt.Errorf("create workflow manager: %w", err)
	}

	d, err := daemon.New(cfg, store, artifacts, logger, workflowManager)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check api_bind, the state directory lock and task database access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("mediaflow daemon shutting down")
	return nil
}

func newLogger(cfg *config.Config, opts Options, logPath string) (*slog.Logger, error) {
	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		FilePath:    logPath,
		Development: opts.Development,
	})
}

func ensureCurrentLogPointer(logDir, name, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, name)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// logDependencySnapshot records what the orchestrator can reach at startup.
// Unreachable stage services are not fatal; tasks wait for them.
func logDependencySnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attrs := []logging.Attr{logging.String(logging.FieldEventType, "dependency_snapshot")}
	for _, result := range preflight.RunAll(checkCtx, cfg) {
		key := strings.ToLower(strings.ReplaceAll(result.Name, " ", "_"))
		attrs = append(attrs, logging.Bool(key+"_ok", result.Passed))
		if !result.Passed {
			attrs = append(attrs, logging.String(key+"_detail", result.Detail))
		}
	}
	attrs = append(attrs,
		logging.Bool("nats_configured", strings.TrimSpace(cfg.Events.NATSURL) != ""),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.String("storage_driver", cfg.Storage.Driver),
	)
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
