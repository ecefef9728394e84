package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"mediaflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are shortened so tests exercising backoff stay fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Workflow.RetryBaseDelayMS = 1
	cfgVal.Workflow.RetryMaxDelayMS = 5
	cfgVal.Workflow.HealthTimeout = 2
	cfgVal.Workflow.StageTimeout = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStageURL points a stage at a test server.
func WithStageURL(name, url string) ConfigOption {
	return func(b *configBuilder) {
		switch name {
		case "convert":
			b.cfg.Stages.Convert.URL = url
		case "transcribe":
			b.cfg.Stages.Transcribe.URL = url
		case "process":
			b.cfg.Stages.Process.URL = url
		default:
			b.t.Fatalf("unknown stage %q", name)
		}
	}
}

// WithDegradation enables fallback models for a stage.
func WithDegradation(stageName string, models ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Degradation.Enabled = true
		if b.cfg.Degradation.FallbackModels == nil {
			b.cfg.Degradation.FallbackModels = map[string][]string{}
		}
		b.cfg.Degradation.FallbackModels[stageName] = models
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
