// Package converter is the convert stage backend: FFmpeg turns any supported
// audio or video input into 16 kHz mono PCM WAV.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/deps"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/services/ffmpeg"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
)

// Backend runs FFmpeg extractions.
type Backend struct {
	cfg       *config.Config
	artifacts *artifact.Store
	ffmpeg    *ffmpeg.Converter
	logger    *slog.Logger
}

// New builds the converter backend. A nil conv uses the configured binary.
func New(cfg *config.Config, artifacts *artifact.Store, conv *ffmpeg.Converter, logger *slog.Logger) *Backend {
	if conv == nil {
		conv = ffmpeg.New(ffmpeg.Config{
			Binary:     cfg.Converter.FFmpegBinary,
			SampleRate: cfg.Converter.SampleRate,
			Channels:   cfg.Converter.Channels,
		})
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Backend{cfg: cfg, artifacts: artifacts, ffmpeg: conv, logger: logger}
}

var _ stagesvc.Backend = (*Backend)(nil)

// Name implements stagesvc.Backend.
func (b *Backend) Name() stage.Name { return stage.Convert }

// Capability implements stagesvc.Backend.
func (b *Backend) Capability(context.Context) stage.Capability {
	c := stage.DefaultCapability(stage.Convert)
	if b.cfg.Converter.MaxInputMB > 0 {
		c.MaxInputBytes = int64(b.cfg.Converter.MaxInputMB) << 20
	}
	c.GuardState = "none"
	return c
}

// Health reports whether the FFmpeg binary can be found.
func (b *Backend) Health(context.Context) stage.HealthReport {
	report := stage.HealthReport{Service: stage.Convert, Device: "cpu"}
	if status := deps.Check(deps.Requirement{Name: "FFmpeg", Command: b.ffmpeg.Binary()}); !status.Available {
		report.Status = stage.StatusDown
		report.Detail = status.Detail
		return report
	}
	report.Status = stage.StatusHealthy
	report.Ready = true
	return report
}

// Run extracts the audio track into a private temporary file and then
// commits it as {task_id}_audio.wav.
func (b *Backend) Run(ctx context.Context, job stagesvc.Job) (stagesvc.Outcome, error) {
	if job.InputPath == "" {
		return stagesvc.Outcome{}, services.Wrap(services.ErrClientInput, "convert", "run", "an input file is required", nil)
	}
	workDir, err := os.MkdirTemp(b.artifacts.Dir(), ".convert-")
	if err != nil {
		return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "convert", "run", "create work directory", err)
	}
	defer os.RemoveAll(workDir)

	dest := filepath.Join(workDir, "audio.wav")
	if err := b.ffmpeg.Extract(ctx, job.InputPath, dest, job.Options.SampleRate, job.Options.Channels); err != nil {
		return stagesvc.Outcome{}, classify(ctx, err)
	}
	ref, err := b.artifacts.PutFile(job.TaskID, stage.Convert, dest)
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			return stagesvc.Outcome{}, err
		}
		return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "convert", "commit", "store audio", err)
	}
	sampleRate, channels := b.ffmpeg.Settings()
	if job.Options.SampleRate > 0 {
		sampleRate = job.Options.SampleRate
	}
	if job.Options.Channels > 0 {
		channels = job.Options.Channels
	}
	logging.WithContext(ctx, b.logger).Debug("audio extracted",
		logging.String("output", ref.Name),
		logging.Int("sample_rate", sampleRate),
		logging.Int("channels", channels),
	)
	return stagesvc.Outcome{Output: ref, Device: "cpu"}, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ffmpeg.ErrNoAudio):
		return services.Wrap(services.ErrClientInput, "convert", "extract", "input has no audio track", err)
	case errors.Is(err, exec.ErrNotFound):
		return services.Wrap(services.ErrConfiguration, "convert", "extract", "ffmpeg binary not found", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "convert", "extract", "extraction timed out", err)
	case ctx.Err() != nil:
		return services.Wrap(services.ErrTransient, "convert", "extract", "request cancelled", err)
	default:
		return services.Wrap(services.ErrExternalTool, "convert", "extract", strings.TrimSpace(fmt.Sprint(err)), nil)
	}
}
