// Package processor is the process stage backend. It sends text to a local
// Ollama runtime under the device guard and commits the reply.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"unicode/utf8"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/deps"
	"mediaflow/internal/guard"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/services/llm"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
)

// Backend runs chat requests against Ollama.
type Backend struct {
	cfg       *config.Config
	artifacts *artifact.Store
	client    *llm.Client
	pool      *guard.Pool
	logger    *slog.Logger
}

// New builds the processor backend. A nil client is built from the
// processor configuration.
func New(cfg *config.Config, artifacts *artifact.Store, client *llm.Client, devices []string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if client == nil {
		client = llm.NewClient(llm.Config{
			BaseURL:        cfg.Processor.BaseURL,
			APIKey:         cfg.Processor.APIKey,
			Model:          cfg.Processor.Model,
			TimeoutSeconds: cfg.Processor.TimeoutSeconds,
		})
	}
	if len(devices) == 0 {
		devices = deps.ResolveDevices(cfg.Processor.Device)
	}
	b := &Backend{cfg: cfg, artifacts: artifacts, client: client, logger: logger}
	pool, err := stagesvc.NewGuardPool(&loader{client: client, autoPull: cfg.Processor.AutoPull, logger: logger}, devices, cfg.Processor.Guard, logger)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

var (
	_ stagesvc.Backend      = (*Backend)(nil)
	_ stagesvc.ModelManager = (*Backend)(nil)
)

// Name implements stagesvc.Backend.
func (b *Backend) Name() stage.Name { return stage.Process }

// Pool exposes the device guards.
func (b *Backend) Pool() *guard.Pool { return b.pool }

func (b *Backend) defaultModel() string {
	if m := strings.TrimSpace(b.cfg.Processor.Model); m != "" {
		return m
	}
	return stage.DefaultCapability(stage.Process).DefaultModel
}

// Capability lists the configured models, or the pulled ones when none are
// configured.
func (b *Backend) Capability(ctx context.Context) stage.Capability {
	c := stage.DefaultCapability(stage.Process)
	c.DefaultModel = b.defaultModel()
	c.GuardState = string(b.pool.State())
	c.Models = slices.Clone(b.cfg.Processor.Models)
	if len(c.Models) == 0 {
		if models, err := b.client.ListModels(ctx); err == nil {
			for _, m := range models {
				c.Models = append(c.Models, m.Name)
			}
		}
		if len(c.Models) > 0 && b.cfg.Processor.AutoPull {
			// Any model may be pulled on demand.
			c.Models = nil
		}
	}
	return c
}

// Health probes the Ollama runtime.
func (b *Backend) Health(ctx context.Context) stage.HealthReport {
	report := stage.HealthReport{
		Status:  stage.StatusHealthy,
		Service: stage.Process,
		Model:   b.defaultModel(),
		Ready:   true,
	}
	if err := b.client.HealthCheck(ctx); err != nil {
		report.Status = stage.StatusDown
		report.Ready = false
		report.Detail = err.Error()
	}
	return stagesvc.GuardHealth(report, b.pool, b.cfg.Processor.Guard.Mode)
}

// Run processes the input artifact or the inline text.
func (b *Backend) Run(ctx context.Context, job stagesvc.Job) (stagesvc.Outcome, error) {
	input := job.Text
	if job.InputPath != "" {
		data, err := os.ReadFile(job.InputPath)
		if err != nil {
			return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "process", "read input", job.InputName, err)
		}
		input = string(data)
	}
	if !utf8.ValidString(input) {
		return stagesvc.Outcome{}, services.Wrap(services.ErrClientInput, "process", "read input", "input is not valid UTF-8 text", nil)
	}
	if strings.TrimSpace(input) == "" && strings.TrimSpace(job.Options.Prompt) == "" {
		return stagesvc.Outcome{}, services.Wrap(services.ErrClientInput, "process", "run", "input text or prompt is required", nil)
	}

	model := strings.TrimSpace(job.Options.Model)
	if model == "" {
		model = b.defaultModel()
	}
	system := llm.SystemPrompt(firstNonEmpty(job.Options.SystemPrompt, b.cfg.Processor.SystemPrompt), job.Options.Instructions)
	user := llm.UserPrompt(input, job.Options.Prompt)

	lease, err := b.pool.Acquire(ctx, model)
	if err != nil {
		return stagesvc.Outcome{}, err
	}
	defer lease.Release()

	logger := logging.WithContext(ctx, b.logger)
	logger.Info("processing started",
		logging.String(logging.FieldEventType, "processing_started"),
		logging.String(logging.FieldModel, model),
		logging.String(logging.FieldDevice, lease.Device()),
		logging.Int("input_chars", utf8.RuneCountInString(input)),
		logging.Int("num_ctx", llm.ContextSize(system, user)),
	)
	resp, err := b.client.Chat(ctx, llm.ChatRequest{
		Model:   model,
		System:  system,
		User:    user,
		Options: llm.GenerationOptions(system, user),
	})
	if err != nil {
		return stagesvc.Outcome{}, classify(ctx, "chat", err)
	}

	ref, err := b.artifacts.Put(job.TaskID, stage.Process, "txt", strings.NewReader(resp.Content))
	if err != nil {
		if errors.Is(err, artifact.ErrExists) {
			return stagesvc.Outcome{}, err
		}
		return stagesvc.Outcome{}, services.Wrap(services.ErrTransient, "process", "commit", "store result", err)
	}
	logger.Debug("processing finished",
		logging.Int("prompt_tokens", resp.PromptTokens),
		logging.Int("output_tokens", resp.OutputTokens),
		logging.Duration("runtime_duration", resp.TotalDuration),
	)
	return stagesvc.Outcome{
		Output: ref,
		Model:  firstNonEmpty(resp.Model, model),
		Device: lease.Device(),
		Text:   resp.Content,
	}, nil
}

// PullModel implements stagesvc.ModelManager.
func (b *Backend) PullModel(ctx context.Context, name string) error {
	if err := b.client.Pull(ctx, name); err != nil {
		return classify(ctx, "pull model", err)
	}
	logging.WithContext(ctx, b.logger).Info("model pulled",
		logging.String(logging.FieldEventType, "model_pulled"),
		logging.String(logging.FieldModel, name),
	)
	return nil
}

// DeleteModel implements stagesvc.ModelManager. A resident copy stays in
// device memory until the runtime's keep-alive expires.
func (b *Backend) DeleteModel(ctx context.Context, name string) error {
	if err := b.client.Delete(ctx, name); err != nil {
		return classify(ctx, "delete model", err)
	}
	logging.WithContext(ctx, b.logger).Info("model deleted",
		logging.String(logging.FieldEventType, "model_deleted"),
		logging.String(logging.FieldModel, name),
	)
	return nil
}

func classify(ctx context.Context, op string, err error) error {
	var statusErr *llm.StatusError
	var netErr net.Error
	switch {
	case llm.IsMemoryPressure(err):
		return services.Wrap(services.ErrResourceExhausted, "process", op, "device out of memory", err)
	case errors.Is(err, llm.ErrModelNotFound):
		return services.Wrap(services.ErrNotFound, "process", op, "model is not available", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "process", op, "runtime did not answer in time", err)
	case ctx.Err() != nil:
		return services.Wrap(services.ErrTransient, "process", op, "request cancelled", err)
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode >= 500:
			return services.Wrap(services.ErrTransient, "process", op, "runtime error", err)
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "process", op, "runtime rejected credentials", err)
		default:
			return services.Wrap(services.ErrClientInput, "process", op, "runtime rejected request", err)
		}
	case errors.As(err, &netErr):
		return services.Wrap(services.ErrTransient, "process", op, "runtime unreachable", err)
	default:
		return services.Wrap(services.ErrExternalTool, "process", op, "runtime failed", err)
	}
}

// loader keeps one model resident per device. Missing models are pulled
// first when auto-pull is enabled.
type loader struct {
	client   *llm.Client
	autoPull bool
	logger   *slog.Logger
}

func (l *loader) Load(ctx context.Context, model string) error {
	err := l.client.Load(ctx, model)
	if err != nil && errors.Is(err, llm.ErrModelNotFound) && l.autoPull {
		l.logger.Info("pulling missing model",
			logging.String(logging.FieldEventType, "model_auto_pull"),
			logging.String(logging.FieldModel, model),
		)
		if pullErr := l.client.Pull(ctx, model); pullErr != nil {
			return classify(ctx, "pull model", pullErr)
		}
		err = l.client.Load(ctx, model)
	}
	if err == nil || llm.IsMemoryPressure(err) {
		return err
	}
	return classify(ctx, "load model", err)
}

func (l *loader) Unload(ctx context.Context, model string) error {
	return l.client.Unload(ctx, model)
}

func (l *loader) IsMemoryPressure(err error) bool {
	return llm.IsMemoryPressure(err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
