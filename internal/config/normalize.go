package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStorage()
	c.normalizeStages()
	c.normalizeWorkflow()
	c.normalizeDegradation()
	c.normalizeTranscriber()
	c.normalizeProcessor()
	c.normalizeEvents()
	if err := c.normalizePipelines(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if value, ok := lookupEnv("MEDIAFLOW_API_TOKEN"); ok {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeStorage() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
		c.Storage.Driver = "sqlite"
	case "postgresql", "pg":
		c.Storage.Driver = "postgres"
	}
	if value, ok := lookupEnv("MEDIAFLOW_DATABASE_DSN"); ok {
		c.Storage.DSN = value
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
}

func (c *Config) normalizeStages() {
	c.Stages.Convert.URL = trimURL(c.Stages.Convert.URL)
	c.Stages.Transcribe.URL = trimURL(c.Stages.Transcribe.URL)
	c.Stages.Process.URL = trimURL(c.Stages.Process.URL)
}

func (c *Config) normalizeWorkflow() {
	c.Workflow.StageFailurePolicy = strings.ToLower(strings.TrimSpace(c.Workflow.StageFailurePolicy))
	if c.Workflow.StageFailurePolicy == "" {
		c.Workflow.StageFailurePolicy = defaultStageFailurePolicy
	}
}

func (c *Config) normalizeDegradation() {
	if len(c.Degradation.FallbackModels) == 0 {
		return
	}
	normalized := make(map[string][]string, len(c.Degradation.FallbackModels))
	for stage, models := range c.Degradation.FallbackModels {
		key := strings.ToLower(strings.TrimSpace(stage))
		normalized[key] = append(normalized[key], models...)
	}
	c.Degradation.FallbackModels = normalized
}

func (c *Config) normalizeTranscriber() {
	c.Transcriber.Bind = strings.TrimSpace(c.Transcriber.Bind)
	if c.Transcriber.Bind == "" {
		c.Transcriber.Bind = defaultTranscriberBind
	}
	if value, ok := lookupEnv("MEDIAFLOW_TRANSCRIBE_MODEL"); ok {
		c.Transcriber.Model = value
	}
	c.Transcriber.Model = strings.TrimSpace(c.Transcriber.Model)
	if c.Transcriber.Model == "" {
		c.Transcriber.Model = defaultTranscriberModel
	}
	if value, ok := lookupEnv("MEDIAFLOW_DEVICE"); ok {
		c.Transcriber.Device = value
	}
	c.Transcriber.Device = normalizeDevice(c.Transcriber.Device)
	c.Transcriber.Language = strings.ToLower(strings.TrimSpace(c.Transcriber.Language))
	if c.Transcriber.Language == "" {
		c.Transcriber.Language = defaultTranscriberLanguage
	}
	c.Transcriber.VADMethod = strings.ToLower(strings.TrimSpace(c.Transcriber.VADMethod))
	if c.Transcriber.VADMethod == "" {
		c.Transcriber.VADMethod = defaultVADMethod
	}
	if value, ok := lookupEnv("HF_TOKEN"); ok {
		c.Transcriber.HFToken = value
	}
	c.Transcriber.Guard = normalizeGuard(c.Transcriber.Guard)
}

func (c *Config) normalizeProcessor() {
	c.Processor.Bind = strings.TrimSpace(c.Processor.Bind)
	if c.Processor.Bind == "" {
		c.Processor.Bind = defaultProcessorBind
	}
	c.Processor.BaseURL = trimURL(c.Processor.BaseURL)
	if c.Processor.BaseURL == "" {
		c.Processor.BaseURL = defaultProcessorBaseURL
	}
	if value, ok := lookupEnv("MEDIAFLOW_LLM_API_KEY"); ok {
		c.Processor.APIKey = value
	}
	if value, ok := lookupEnv("MEDIAFLOW_PROCESS_MODEL"); ok {
		c.Processor.Model = value
	}
	c.Processor.Model = strings.TrimSpace(c.Processor.Model)
	if c.Processor.Model == "" {
		c.Processor.Model = defaultProcessorModel
	}
	if value, ok := lookupEnv("MEDIAFLOW_DEVICE"); ok {
		c.Processor.Device = value
	}
	c.Processor.Device = normalizeDevice(c.Processor.Device)
	c.Processor.Guard = normalizeGuard(c.Processor.Guard)
}

func (c *Config) normalizeEvents() {
	c.Events.NATSURL = strings.TrimSpace(c.Events.NATSURL)
	c.Events.SubjectPrefix = strings.Trim(strings.TrimSpace(c.Events.SubjectPrefix), ".")
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = defaultSubjectPrefix
	}
}

func (c *Config) normalizePipelines() error {
	if strings.TrimSpace(c.Pipelines.File) == "" {
		c.Pipelines.File = ""
		return nil
	}
	var err error
	if c.Pipelines.File, err = expandPath(c.Pipelines.File); err != nil {
		return fmt.Errorf("pipelines.file: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	if value, ok := lookupEnv("MEDIAFLOW_LOG_LEVEL"); ok {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console", "text":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = defaultLogLevel
	case "warning":
		c.Logging.Level = "warn"
	}
}

func normalizeDevice(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return defaultDevice
	case "gpu":
		return "cuda"
	}
	return value
}

func normalizeGuard(g Guard) Guard {
	g.Mode = strings.ToLower(strings.TrimSpace(g.Mode))
	if g.Mode == "" {
		g.Mode = defaultGuardMode
	}
	if g.AcquireTimeout == 0 {
		g.AcquireTimeout = defaultGuardTimeout
	}
	return g
}

func trimURL(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}

// lookupEnv returns a non-blank environment value.
func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}
