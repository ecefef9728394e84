package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/preflight"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
	"mediaflow/internal/stagesvc/converter"
	"mediaflow/internal/stagesvc/processor"
	"mediaflow/internal/stagesvc/transcriber"
)

// StageBindEnv overrides the listen address of a stage service.
const StageBindEnv = "MEDIAFLOW_STAGE_BIND"

// StageOptions configures a stage service process.
type StageOptions struct {
	Bind        string
	Devices     []string
	LogLevel    string
	Development bool
}

// RunStage serves one stage until the context is cancelled or the process
// receives SIGINT or SIGTERM. Failed preflight checks are logged; the
// service still starts and reports itself unhealthy.
func RunStage(cmdCtx context.Context, cfg *config.Config, name stage.Name, opts StageOptions) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if !name.Valid() {
		return fmt.Errorf("unknown stage %q", name)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, Options{LogLevel: opts.LogLevel, Development: opts.Development},
		filepath.Join(cfg.Paths.LogDir, name.String()+"-service.log"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String(logging.FieldStage, name.String()))

	artifacts, err := artifact.Open(cfg.Paths.ArtifactDir)
	if err != nil {
		return err
	}

	for _, result := range preflight.Failed(preflight.RunStage(signalCtx, cfg, name)) {
		logger.Warn("preflight check failed",
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String("check", result.Name),
			logging.Bool("optional", result.Optional),
			logging.String("detail", result.Detail),
		)
	}

	backend, err := buildBackend(cfg, name, artifacts, opts.Devices, logger)
	if err != nil {
		return err
	}
	server, err := stagesvc.New(backend, artifacts, logger,
		stagesvc.WithRequestTimeout(cfg.StageTimeout(name.String())),
	)
	if err != nil {
		return err
	}
	return server.Run(signalCtx, resolveBind(cfg, name, opts.Bind))
}

func buildBackend(cfg *config.Config, name stage.Name, artifacts *artifact.Store, devices []string, logger *slog.Logger) (stagesvc.Backend, error) {
	switch name {
	case stage.Convert:
		return converter.New(cfg, artifacts, nil, logger), nil
	case stage.Transcribe:
		return transcriber.New(cfg, artifacts, nil, devices, logger)
	case stage.Process:
		return processor.New(cfg, artifacts, nil, devices, logger)
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// resolveBind picks the listen address: flag, then environment, then the
// stage's configured bind.
func resolveBind(cfg *config.Config, name stage.Name, flag string) string {
	if bind := strings.TrimSpace(flag); bind != "" {
		return bind
	}
	if bind := strings.TrimSpace(os.Getenv(StageBindEnv)); bind != "" {
		return bind
	}
	switch name {
	case stage.Convert:
		return cfg.Converter.Bind
	case stage.Transcribe:
		return cfg.Transcriber.Bind
	default:
		return cfg.Processor.Bind
	}
}
