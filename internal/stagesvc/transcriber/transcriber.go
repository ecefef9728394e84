// Package transcriber is the transcribe stage backend. It runs WhisperX on
// the converted audio under the device guard and commits the plain text
// transcript plus a word and pause timeline.
package transcriber

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/deps"
	"mediaflow/internal/guard"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/services/whisperx"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
)

// Backend runs WhisperX.
type Backend struct {
	cfg       *config.Config
	artifacts *artifact.Store
	whisperx  *whisperx.Service
	pool      *guard.Pool
	logger    *slog.Logger
}

// New builds the transcriber backend. devices overrides the configured
// device list when non-empty.
func New(cfg *config.Config, artifacts *artifact.Store, svc *whisperx.Service, devices []string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if svc == nil {
		svc = whisperx.NewService(whisperx.Config{
			Model:     cfg.Transcriber.Model,
			Language:  cfg.Transcriber.Language,
			VADMethod: cfg.Transcriber.VADMethod,
			HFToken:   cfg.Transcriber.HFToken,
		})
	}
	if len(devices) == 0 {
		devices = deps.ResolveDevices(cfg.Transcriber.Device)
	}
	b := &Backend{cfg: cfg, artifacts: artifacts, whisperx: svc, logger: logger}
	pool, err := stagesvc.NewGuardPool(modelLoader{models: b.models()}, devices, cfg.Transcriber.Guard, logger)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

var _ stagesvc.Backend = (*Backend)(nil)

// Name implements stagesvc.Backend.
func (b *Backend) Name() stage.Name { return stage.Transcribe }

// Pool exposes the device guards.
func (b *Backend) Pool() *guard.Pool { return b.pool }

func (b *Backend) models() []string {
	if len(b.cfg.Transcriber.Models) > 0 {
		return b.cfg.Transcriber.Models
	}
	return stage.DefaultCapability(stage.Transcribe).Models
}

func (b *Backend) defaultModel() string {
	if m := strings.TrimSpace(b.cfg.Transcriber.Model); m != "" {
		return m
	}
	return whisperx.DefaultModel
}

// Capability implements stagesvc.Backend.
func (b *Backend) Capability(context.Context) stage.Capability {
	c := stage.DefaultCapability(stage.Transcribe)
	c.Models = slices.Clone(b.models())
	c.DefaultModel = b.defaultModel()
	c.GuardState = string(b.pool.State())
	devices := make([]string, 0, len(b.pool.Guards()))
	for _, g := range b.pool.Guards() {
		devices = append(devices, g.Device())
	}
	c.Device = strings.Join(devices, ",")
	return c
}

// Health implements stagesvc.Backend.
func (b *Backend) Health(context.Context) stage.HealthReport {
	report := stage.HealthReport{
		Status:  stage.StatusHealthy,
		Service: stage.Transcribe,
		Model:   b.defaultModel(),
		Ready:   true,
	}
	if missing := deps.Missing(deps.CheckBinaries(deps.StageRequirements(b.cfg, stage.Transcribe))); len(missing) > 0 {
		report.Status = stage.StatusDown
		report.Ready = false
		report.Detail = missing[0].Detail
	}
	return stagesvc.GuardHealth(report, b.pool, b.cfg.Transcriber.Guard.Mode)
}

// Run transcribes job.InputPath while holding one device.
func (b *Backend) Run(ctx context.Context, job stagesvc.Job) (stagesvc.Outcome, error) {
	if job.InputPath == "" {
		return stagesvc.Outcome{}, services.Wrap(services.ErrClientInput, "transcribe", "run", "an audio file is required", nil)
	}
	lang, err := whisperx.NormalizeLanguage(job.Options.Language)
	if err != nil {
		return stagesvc.Outcome{}, services.Wrap(services.ErrClientInput, "transcribe", "run", "unsupported language", err)
	}
	model := strings.TrimSpace(job.Options.Model)
	if model == "" {
		model = b.defaultModel()
	}

	lease, err := b.pool.Acquire(ctx, model)
	if err != nil {
		return stagesvc.Outcome{}, err
	}
	defer lease.Release()

	workDir, err := os.MkdirTemp(b.artifacts.Dir(), ".transcribe-")
	if err != nil {
		return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "transcribe", "run", "create work directory", err)
	}
	defer os.RemoveAll(workDir)

	logger := logging.WithContext(ctx, b.logger)
	logger.Info("transcription started",
		logging.String(logging.FieldEventType, "transcription_started"),
		logging.String(logging.FieldModel, model),
		logging.String(logging.FieldDevice, lease.Device()),
		logging.String("language", firstNonEmpty(lang, "auto")),
	)
	opts := whisperx.Options{Model: model, Device: lease.Device()}
	if strings.TrimSpace(job.Options.Language) != "" {
		// NormalizeLanguage maps "auto" to "", which the service would
		// replace with its configured language.
		opts.Language = firstNonEmpty(lang, whisperx.AutoLanguage)
	}
	result, err := b.whisperx.TranscribeFile(ctx, job.InputPath, workDir, opts)
	if err != nil {
		return stagesvc.Outcome{}, classify(ctx, err)
	}

	timeline, err := whisperx.MarshalTimeline(result.Timeline)
	if err != nil {
		return stagesvc.Outcome{}, services.Wrap(services.ErrFatal, "transcribe", "timeline", "encode timeline", err)
	}
	extra, err := b.putExtra(job.TaskID, timeline)
	if err != nil {
		return stagesvc.Outcome{}, err
	}
	ref, err := b.artifacts.Put(job.TaskID, stage.Transcribe, "txt", strings.NewReader(result.Text))
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			return stagesvc.Outcome{}, err
		}
		return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "transcribe", "commit", "store transcript", err)
	}
	return stagesvc.Outcome{
		Output: ref,
		Extra:  []artifact.Ref{extra},
		Model:  model,
		Device: lease.Device(),
		Text:   result.Text,
	}, nil
}

// putExtra commits the timeline sidecar. A sidecar left by an earlier
// attempt whose transcript commit failed is kept.
func (b *Backend) putExtra(taskID string, data []byte) (artifact.Ref, error) {
	ref, err := b.artifacts.Put(taskID, stage.Transcribe, "json", bytes.NewReader(data))
	if errors.Is(err, artifact.ErrExists) {
		ref, err = b.artifacts.Stat(artifact.Name(taskID, stage.Transcribe, "json"))
	}
	if err != nil {
		return artifact.Ref{}, services.Wrap(services.ErrTransient, "transcribe", "commit", "store timeline", err)
	}
	return ref, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case whisperx.IsMemoryPressure(err):
		return services.Wrap(services.ErrResourceExhausted, "transcribe", "whisperx", "device out of memory", err)
	case errors.Is(err, exec.ErrNotFound):
		return services.Wrap(services.ErrConfiguration, "transcribe", "whisperx", "uvx not found", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "transcribe", "whisperx", "transcription timed out", err)
	case ctx.Err() != nil:
		return services.Wrap(services.ErrTransient, "transcribe", "whisperx", "request cancelled", err)
	default:
		return services.Wrap(services.ErrExternalTool, "transcribe", "whisperx", "transcription failed", err)
	}
}

// modelLoader is the guard loader for WhisperX. Each transcription is its
// own process, so there is nothing to keep resident; loading only checks
// the model name.
type modelLoader struct {
	models []string
}

func (l modelLoader) Load(_ context.Context, model string) error {
	if len(l.models) > 0 && !slices.Contains(l.models, model) {
		return services.Wrap(services.ErrClientInput, "transcribe", "load model", "unsupported model "+model, nil)
	}
	return nil
}

func (modelLoader) Unload(context.Context, string) error { return nil }

func (modelLoader) IsMemoryPressure(err error) bool {
	return whisperx.IsMemoryPressure(err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
