package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	CacheDir    string `toml:"cache_dir"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Storage selects the task store backend.
type Storage struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `toml:"driver"`
	// DSN is the Postgres connection string. Ignored for sqlite.
	DSN string `toml:"dsn"`
}

// StageEndpoint locates one stage service.
type StageEndpoint struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Stages lists the stage service endpoints the orchestrator dispatches to.
type Stages struct {
	Convert    StageEndpoint `toml:"convert"`
	Transcribe StageEndpoint `toml:"transcribe"`
	Process    StageEndpoint `toml:"process"`
}

// Workflow contains orchestrator retry, timeout and concurrency settings.
type Workflow struct {
	WorkerCount        int    `toml:"worker_count"`
	QueueSize          int    `toml:"queue_size"`
	MaxAttempts        int    `toml:"max_attempts"`
	RetryBaseDelayMS   int    `toml:"retry_base_delay_ms"`
	RetryMaxDelayMS    int    `toml:"retry_max_delay_ms"`
	StageTimeout       int    `toml:"stage_timeout"`
	HealthTimeout      int    `toml:"health_timeout"`
	CapabilityTTL      int    `toml:"capability_ttl"`
	StageFailurePolicy string `toml:"stage_failure_policy"`
}

// Degradation controls fallback to smaller models after resource exhaustion.
type Degradation struct {
	Enabled        bool                `toml:"enabled"`
	FallbackModels map[string][]string `toml:"fallback_models"`
}

// Guard configures the GPU resource guard of a stage service.
type Guard struct {
	// Mode is "block" (wait for the device) or "reject" (answer busy).
	Mode           string `toml:"mode"`
	AcquireTimeout int    `toml:"acquire_timeout"`
}

// Converter contains the converter stage service settings.
type Converter struct {
	Bind         string `toml:"bind"`
	FFmpegBinary string `toml:"ffmpeg_binary"`
	SampleRate   int    `toml:"sample_rate"`
	Channels     int    `toml:"channels"`
	MaxInputMB   int    `toml:"max_input_mb"`
}

// Transcriber contains the transcriber stage service settings.
type Transcriber struct {
	Bind      string   `toml:"bind"`
	Model     string   `toml:"model"`
	Models    []string `toml:"models"`
	Device    string   `toml:"device"`
	Language  string   `toml:"language"`
	VADMethod string   `toml:"vad_method"`
	HFToken   string   `toml:"hf_token"`
	Guard     Guard    `toml:"guard"`
}

// Processor contains the language-model stage service settings.
type Processor struct {
	Bind           string   `toml:"bind"`
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	Model          string   `toml:"model"`
	Models         []string `toml:"models"`
	Device         string   `toml:"device"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	AutoPull       bool     `toml:"auto_pull"`
	SystemPrompt   string   `toml:"system_prompt"`
	Guard          Guard    `toml:"guard"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	TaskCompleted  bool   `toml:"task_completed"`
	TaskFailed     bool   `toml:"task_failed"`
	TaskCancelled  bool   `toml:"task_cancelled"`
}

// Events configures task lifecycle event publishing over NATS.
type Events struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Pipelines points at the YAML file holding named pipeline presets.
type Pipelines struct {
	File string `toml:"file"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for mediaflow.
//
// The orchestrator daemon and every stage service read the same file; each
// process only consults the sections it needs.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Storage       Storage       `toml:"storage"`
	Stages        Stages        `toml:"stages"`
	Workflow      Workflow      `toml:"workflow"`
	Degradation   Degradation   `toml:"degradation"`
	Converter     Converter     `toml:"converter"`
	Transcriber   Transcriber   `toml:"transcriber"`
	Processor     Processor     `toml:"processor"`
	Notifications Notifications `toml:"notifications"`
	Events        Events        `toml:"events"`
	Pipelines     Pipelines     `toml:"pipelines"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("mediaflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and stage service operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.ArtifactDir, c.Paths.LogDir, c.Paths.CacheDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite task database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "mediaflow.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "mediaflowd.lock")
}

// PIDPath returns the file the running daemon records its process ID in.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "mediaflowd.pid")
}

// DaemonLogPath returns the pointer to the current daemon run's log file.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.LogDir, "mediaflowd.log")
}

// CapabilityCachePath returns the LevelDB directory used to cache stage capabilities.
func (c *Config) CapabilityCachePath() string {
	return filepath.Join(c.Paths.CacheDir, "capabilities")
}

// StageEndpoint returns the endpoint configured for a stage name.
func (c *Config) StageEndpoint(name string) (StageEndpoint, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "convert":
		return c.Stages.Convert, c.Stages.Convert.URL != ""
	case "transcribe":
		return c.Stages.Transcribe, c.Stages.Transcribe.URL != ""
	case "process":
		return c.Stages.Process, c.Stages.Process.URL != ""
	default:
		return StageEndpoint{}, false
	}
}

// StageTimeout returns the per-call timeout for a stage, falling back to
// workflow.stage_timeout.
func (c *Config) StageTimeout(name string) time.Duration {
	if ep, ok := c.StageEndpoint(name); ok && ep.TimeoutSeconds > 0 {
		return time.Duration(ep.TimeoutSeconds) * time.Second
	}
	return time.Duration(c.Workflow.StageTimeout) * time.Second
}

// HealthTimeout returns the liveness probe timeout.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Workflow.HealthTimeout) * time.Second
}

// RetryBackoff returns the base and maximum retry delays.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Workflow.RetryBaseDelayMS) * time.Millisecond,
		time.Duration(c.Workflow.RetryMaxDelayMS) * time.Millisecond
}

// CapabilityTTL returns how long fetched capability descriptors stay valid.
func (c *Config) CapabilityTTL() time.Duration {
	return time.Duration(c.Workflow.CapabilityTTL) * time.Second
}

// FallbackModels returns the configured degradation models for a stage when
// degradation is enabled.
func (c *Config) FallbackModels(stageName string) []string {
	if !c.Degradation.Enabled || c.Degradation.FallbackModels == nil {
		return nil
	}
	models := c.Degradation.FallbackModels[strings.ToLower(strings.TrimSpace(stageName))]
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
