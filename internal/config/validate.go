package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

var validStageNames = []string{"convert", "transcribe", "process"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateDegradation(); err != nil {
		return err
	}
	if err := c.validateConverter(); err != nil {
		return err
	}
	if err := c.validateTranscriber(); err != nil {
		return err
	}
	if err := c.validateProcessor(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn must be set when storage.driver is postgres (or set MEDIAFLOW_DATABASE_DSN)")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
}

func (c *Config) validateStages() error {
	endpoints := map[string]StageEndpoint{
		"stages.convert":    c.Stages.Convert,
		"stages.transcribe": c.Stages.Transcribe,
		"stages.process":    c.Stages.Process,
	}
	for key, ep := range endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("%s.url must be set", key)
		}
		if err := validateHTTPURL(key+".url", ep.URL); err != nil {
			return err
		}
		if ep.TimeoutSeconds < 0 {
			return fmt.Errorf("%s.timeout_seconds must be >= 0", key)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":        c.Workflow.WorkerCount,
		"workflow.queue_size":          c.Workflow.QueueSize,
		"workflow.max_attempts":        c.Workflow.MaxAttempts,
		"workflow.retry_base_delay_ms": c.Workflow.RetryBaseDelayMS,
		"workflow.retry_max_delay_ms":  c.Workflow.RetryMaxDelayMS,
		"workflow.stage_timeout":       c.Workflow.StageTimeout,
		"workflow.health_timeout":      c.Workflow.HealthTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.RetryMaxDelayMS < c.Workflow.RetryBaseDelayMS {
		return errors.New("workflow.retry_max_delay_ms must be >= workflow.retry_base_delay_ms")
	}
	if c.Workflow.CapabilityTTL < 0 {
		return errors.New("workflow.capability_ttl must be >= 0")
	}
	if c.Workflow.StageFailurePolicy != "fail_fast" {
		return fmt.Errorf("workflow.stage_failure_policy must be fail_fast, got %q", c.Workflow.StageFailurePolicy)
	}
	return nil
}

func (c *Config) validateDegradation() error {
	for stage := range c.Degradation.FallbackModels {
		if !slices.Contains(validStageNames, stage) {
			return fmt.Errorf("degradation.fallback_models has unknown stage %q", stage)
		}
	}
	return nil
}

func (c *Config) validateConverter() error {
	if strings.TrimSpace(c.Converter.FFmpegBinary) == "" {
		return errors.New("converter.ffmpeg_binary must be set")
	}
	return ensurePositiveMap(map[string]int{
		"converter.sample_rate":  c.Converter.SampleRate,
		"converter.channels":     c.Converter.Channels,
		"converter.max_input_mb": c.Converter.MaxInputMB,
	})
}

func (c *Config) validateTranscriber() error {
	if strings.TrimSpace(c.Transcriber.Model) == "" {
		return errors.New("transcriber.model must be set")
	}
	if len(c.Transcriber.Models) > 0 && !slices.Contains(c.Transcriber.Models, c.Transcriber.Model) {
		return fmt.Errorf("transcriber.model %q must be listed in transcriber.models", c.Transcriber.Model)
	}
	if err := validateDevice("transcriber.device", c.Transcriber.Device); err != nil {
		return err
	}
	return validateGuard("transcriber.guard", c.Transcriber.Guard)
}

func (c *Config) validateProcessor() error {
	if strings.TrimSpace(c.Processor.Model) == "" {
		return errors.New("processor.model must be set")
	}
	if err := validateHTTPURL("processor.base_url", c.Processor.BaseURL); err != nil {
		return err
	}
	if c.Processor.TimeoutSeconds <= 0 {
		return errors.New("processor.timeout_seconds must be positive")
	}
	if err := validateDevice("processor.device", c.Processor.Device); err != nil {
		return err
	}
	return validateGuard("processor.guard", c.Processor.Guard)
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func validateDevice(key, value string) error {
	switch value {
	case "auto", "cpu", "cuda":
		return nil
	}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "cuda:") || len(part) == len("cuda:") {
			return fmt.Errorf("%s must be auto, cpu, cuda or a list of cuda:N, got %q", key, value)
		}
	}
	return nil
}

func validateGuard(key string, g Guard) error {
	if g.Mode != "block" && g.Mode != "reject" {
		return fmt.Errorf("%s.mode must be block or reject, got %q", key, g.Mode)
	}
	if g.AcquireTimeout <= 0 {
		return fmt.Errorf("%s.acquire_timeout must be positive", key)
	}
	return nil
}

func validateHTTPURL(key, value string) error {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", key, value)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
