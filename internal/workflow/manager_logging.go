package workflow

import (
	"context"
	"log/slog"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

func taskContext(ctx context.Context, t *task.Task) context.Context {
	if t == nil {
		return ctx
	}
	return services.WithTaskID(ctx, t.ID)
}

func stageContext(ctx context.Context, name stage.Name, attempt int) context.Context {
	ctx = services.WithStage(ctx, name.String())
	if attempt > 0 {
		ctx = services.WithAttempt(ctx, attempt)
	}
	return ctx
}

// loggerFor stamps task, stage, attempt and request fields carried by ctx.
func (m *Manager) loggerFor(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, m.logger)
}

func (m *Manager) logStageStart(ctx context.Context, t *task.Task, name stage.Name, input string) {
	m.loggerFor(ctx).Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("input_ref", input),
		logging.Int("stage_index", stageIndex(t, name)+1),
		logging.Int("stage_count", len(t.Stages)),
	)
}

func (m *Manager) logStageRetry(ctx context.Context, err error, next int, model string) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_retry"),
		logging.Int("next_attempt", next),
		logging.Int("max_attempts", m.retry.MaxAttempts),
	}
	if model != "" {
		attrs = append(attrs, logging.String(logging.FieldModel, model))
	}
	attrs = append(attrs, logging.ErrorAttrs(err)...)
	m.loggerFor(ctx).Warn("stage attempt failed; retrying", logging.Args(attrs...)...)
}

func (m *Manager) logStageComplete(ctx context.Context, outcome task.StageOutcome) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("artifact", outcome.ArtifactRef),
		logging.Int("attempts", outcome.Attempts),
		logging.Duration("processing_time", outcome.ProcessingTime),
	}
	if outcome.Model != "" {
		attrs = append(attrs, logging.String(logging.FieldModel, outcome.Model))
	}
	if outcome.Device != "" {
		attrs = append(attrs, logging.String(logging.FieldDevice, outcome.Device))
	}
	if outcome.Degraded {
		attrs = append(attrs, logging.Bool("degraded", true))
	}
	m.loggerFor(ctx).Info("stage completed", logging.Args(attrs...)...)
}

func stageIndex(t *task.Task, name stage.Name) int {
	for idx, n := range t.Stages {
		if n == name {
			return idx
		}
	}
	return -1
}
