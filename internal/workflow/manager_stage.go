package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediaflow/internal/artifact"
	"mediaflow/internal/events"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// runStage executes one stage with the retry policy and returns its outcome.
// Stage failures come back as a failed outcome with a nil error; the error
// return is reserved for cancellation, shutdown and store failures.
func (m *Manager) runStage(ctx, signal context.Context, t *task.Task, name stage.Name) (task.StageOutcome, error) {
	ctx = stageContext(ctx, name, 0)
	client, ok := m.client(name)
	if !ok {
		err := services.Wrap(services.ErrConfiguration, name.String(), "dispatch", "no stage service configured", nil)
		return failedOutcome(name, err, 0, "", false), nil
	}
	input := t.InputFor(name)
	if input == "" {
		err := services.Wrap(services.ErrFatal, name.String(), "dispatch", "previous stage left no artifact", nil)
		return failedOutcome(name, err, 0, "", false), nil
	}
	if err := m.store.MarkStage(ctx, t.ID, name); err != nil {
		return task.StageOutcome{}, err
	}
	m.logStageStart(ctx, t, name, input)
	m.publish(ctx, events.Event{Type: events.StageStarted, TaskID: t.ID, Stage: name.String(), Artifact: input})

	opts := t.OptionsFor(name)
	models := m.modelLadder(name, opts.Model)
	level := 0

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return task.StageOutcome{}, err
		}
		if isCancelled(ctx, signal) {
			return task.StageOutcome{}, errCancelled
		}
		attempts = attempt
		attemptCtx := services.WithAttempt(ctx, attempt)
		request := opts
		request.Model = models[level]

		result, err := m.attempt(attemptCtx, signal, client, t, name, input, request)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return task.StageOutcome{}, ctxErr
		}
		if isCancelled(ctx, signal) {
			if err == nil {
				m.loggerFor(attemptCtx).Info("discarding stage result of cancelled task",
					logging.String(logging.FieldEventType, "stage_result_discarded"),
					logging.String("artifact", result.Output.Name),
				)
			}
			return task.StageOutcome{}, errCancelled
		}
		if err == nil {
			return succeededOutcome(name, result, attempts, request.Model, level > 0), nil
		}

		lastErr = err
		if !services.Retryable(err) || attempt == m.retry.MaxAttempts {
			break
		}
		if errors.Is(err, services.ErrResourceExhausted) && level+1 < len(models) {
			level++
			m.loggerFor(attemptCtx).Warn("resource exhausted; degrading model",
				logging.String(logging.FieldEventType, "stage_degrade"),
				logging.String("from_model", models[level-1]),
				logging.String(logging.FieldModel, models[level]),
				logging.String(logging.FieldErrorHint, "free GPU memory or lower the configured model"),
			)
		}
		m.logStageRetry(attemptCtx, err, attempt+1, models[level])
		m.publish(attemptCtx, events.Event{
			Type:      events.StageRetrying,
			TaskID:    t.ID,
			Stage:     name.String(),
			Attempt:   attempt,
			ErrorKind: string(services.KindOf(err)),
			Error:     err.Error(),
			Model:     models[level],
		})
		if err := m.sleep(signal, m.retry.DelayAfter(attempt, err)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return task.StageOutcome{}, ctxErr
			}
			return task.StageOutcome{}, errCancelled
		}
	}
	return failedOutcome(name, lastErr, attempts, models[level], level > 0), nil
}

// attempt probes the stage service and, when it is ready, invokes it once.
// The probe runs under the cancel signal; the call itself runs under the
// worker context so an in-flight call completes.
func (m *Manager) attempt(ctx, signal context.Context, client StageClient, t *task.Task, name stage.Name, input string, opts stage.Options) (stage.Result, error) {
	if _, err := client.Health(signal); err != nil {
		m.loggerFor(ctx).Debug("stage service not ready", logging.Error(err))
		return stage.Result{}, err
	}

	req := stage.Request{TaskID: t.ID, InputRef: input, Options: opts}
	callCtx := services.WithRequestID(ctx, uuid.NewString())
	m.loggerFor(callCtx).Debug("dispatching stage request", logging.String(logging.FieldModel, opts.Model))
	result, err := client.Invoke(callCtx, req)
	if err != nil {
		return stage.Result{}, err
	}
	if err := m.verifyOutput(t, name, result); err != nil {
		return stage.Result{}, err
	}
	return result, nil
}

// verifyOutput confirms the reported artifact belongs to the task and the
// stage and is committed in the shared store before the stage may count as succeeded.
func (m *Manager) verifyOutput(t *task.Task, name stage.Name, result stage.Result) error {
	ref := strings.TrimSpace(result.Output.Name)
	parsed, err := artifact.Parse(ref)
	if err != nil {
		return services.Wrap(services.ErrFatal, name.String(), "verify output", "stage returned an invalid artifact name", err)
	}
	if parsed.TaskID != artifact.SanitizeID(t.ID) {
		return services.Wrap(services.ErrFatal, name.String(), "verify output",
			fmt.Sprintf("artifact %s does not belong to task %s", ref, t.ID), nil)
	}
	if parsed.Suffix != name.Suffix() {
		return services.Wrap(services.ErrFatal, name.String(), "verify output",
			fmt.Sprintf("artifact %s is not a %s output", ref, name), nil)
	}
	exists, err := m.artifacts.Exists(ref)
	if err != nil {
		return services.Wrap(services.ErrTransient, name.String(), "verify output", "stat artifact "+ref, err)
	}
	if !exists {
		return services.Wrap(services.ErrFatal, name.String(), "verify output",
			fmt.Sprintf("artifact %s is not committed to the shared store", ref), nil)
	}
	return nil
}

// modelLadder lists the models a stage may run with: the requested one
// first, then the configured fallbacks when degradation is enabled.
func (m *Manager) modelLadder(name stage.Name, requested string) []string {
	ladder := []string{strings.TrimSpace(requested)}
	for _, model := range m.cfg.FallbackModels(name.String()) {
		if !slices.Contains(ladder, model) {
			ladder = append(ladder, model)
		}
	}
	return ladder
}

func (m *Manager) recordStageOutcome(ctx context.Context, t *task.Task, outcome task.StageOutcome) {
	if outcome.Success {
		m.logStageComplete(ctx, outcome)
		m.publish(ctx, events.Event{
			Type:     events.StageSucceeded,
			TaskID:   t.ID,
			Stage:    outcome.Stage.String(),
			Attempt:  outcome.Attempts,
			Artifact: outcome.ArtifactRef,
			Model:    outcome.Model,
		})
		if outcome.Degraded {
			m.notifyDegraded(ctx, t, outcome)
		}
		return
	}
	e := events.Event{
		Type:    events.StageFailed,
		TaskID:  t.ID,
		Stage:   outcome.Stage.String(),
		Attempt: outcome.Attempts,
		Model:   outcome.Model,
	}
	if outcome.Error != nil {
		e.ErrorKind = outcome.Error.Kind
		e.Error = outcome.Error.Message
	}
	m.publish(ctx, e)
}

func succeededOutcome(name stage.Name, result stage.Result, attempts int, model string, degraded bool) task.StageOutcome {
	if result.Model != "" {
		model = result.Model
	}
	return task.StageOutcome{
		Stage:          name,
		Success:        true,
		ArtifactRef:    result.Output.Name,
		Attempts:       attempts,
		ProcessingTime: secondsToDuration(result.ProcessingTime),
		Model:          model,
		Degraded:       degraded,
		Device:         result.Device,
	}
}

func failedOutcome(name stage.Name, err error, attempts int, model string, degraded bool) task.StageOutcome {
	details := services.Details(err)
	return task.StageOutcome{
		Stage:    name,
		Success:  false,
		Error:    &task.StageError{Kind: string(details.Kind), Message: strings.TrimSpace(err.Error())},
		Attempts: attempts,
		Model:    model,
		Degraded: degraded,
	}
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
