package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/task"
)

const policyFailFast = "fail_fast"

// failStage moves a task whose stage exhausted its attempts to stage_failed
// and then applies the stage failure policy.
func (m *Manager) failStage(ctx context.Context, t *task.Task, outcome task.StageOutcome) error {
	message := failureMessage(outcome)
	if t.Status == task.StatusRunning {
		updated, err := m.store.Transition(ctx, t.ID, task.StatusStageFailed, message)
		if err != nil {
			return err
		}
		m.publishStatus(ctx, updated)
		t = updated
	}
	return m.failTask(ctx, t, &outcome)
}

// failTask applies the stage failure policy to a task in stage_failed.
// fail_fast is the only policy: the task becomes failed.
func (m *Manager) failTask(ctx context.Context, t *task.Task, outcome *task.StageOutcome) error {
	if policy := m.cfg.Workflow.StageFailurePolicy; policy != "" && policy != policyFailFast {
		m.loggerFor(ctx).Warn("unknown stage failure policy; failing task",
			logging.String("policy", policy),
			logging.String(logging.FieldEventType, "failure_policy_unknown"),
			logging.String(logging.FieldErrorHint, "set workflow.stage_failure_policy to fail_fast"),
		)
	}
	message := t.Error
	if outcome != nil {
		message = failureMessage(*outcome)
	}
	updated, err := m.store.Transition(ctx, t.ID, task.StatusFailed, message)
	if err != nil {
		return err
	}
	m.logTaskFailure(ctx, updated, outcome)
	m.publishStatus(ctx, updated)
	m.notifyFailed(ctx, updated, outcome)
	return nil
}

func (m *Manager) logTaskFailure(ctx context.Context, t *task.Task, outcome *task.StageOutcome) {
	attrs := []logging.Attr{
		logging.String("resolved_status", string(t.Status)),
		logging.String("error_message", strings.TrimSpace(t.Error)),
		logging.String(logging.FieldEventType, "stage_failure"),
	}
	if outcome != nil {
		attrs = append(attrs,
			logging.String(logging.FieldStage, outcome.Stage.String()),
			logging.Int("attempts", outcome.Attempts),
		)
		if outcome.Error != nil {
			kind := services.ParseKind(outcome.Error.Kind)
			attrs = append(attrs,
				logging.String(logging.FieldErrorKind, outcome.Error.Kind),
				logging.String(logging.FieldErrorHint, services.Details(services.MarkerFor(kind)).Hint),
			)
		}
	}
	m.loggerFor(ctx).Error("task failed", logging.Args(attrs...)...)
}

// abortTask marks a task failed after a worker error that is not a stage
// failure (store errors, panics). It walks the lifecycle so terminal states
// are only reached through allowed transitions.
func (m *Manager) abortTask(ctx context.Context, id string, cause error) {
	message := "workflow error: " + strings.TrimSpace(cause.Error())
	t, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Error("could not load task to mark it failed", logging.String(logging.FieldTaskID, id), logging.Error(err))
		return
	}
	steps := map[task.Status][]task.Status{
		task.StatusPending:     {task.StatusRunning, task.StatusStageFailed, task.StatusFailed},
		task.StatusRunning:     {task.StatusStageFailed, task.StatusFailed},
		task.StatusStageFailed: {task.StatusFailed},
	}
	for _, to := range steps[t.Status] {
		updated, err := m.store.Transition(ctx, id, to, message)
		if err != nil {
			if errors.Is(err, task.ErrInvalidTransition) {
				return
			}
			m.logger.Error("could not mark task failed", logging.String(logging.FieldTaskID, id), logging.Error(err))
			return
		}
		t = updated
	}
	if t.Status == task.StatusFailed {
		m.publishStatus(ctx, t)
		m.notifyFailed(ctx, t, nil)
	}
}

// failureMessage renders the user-visible summary of a failed stage.
func failureMessage(outcome task.StageOutcome) string {
	kind, detail := string(services.KindFatal), "failed without error detail"
	if outcome.Error != nil {
		if outcome.Error.Kind != "" {
			kind = outcome.Error.Kind
		}
		if msg := strings.TrimSpace(outcome.Error.Message); msg != "" {
			detail = msg
		}
	}
	attempts := "attempts"
	if outcome.Attempts == 1 {
		attempts = "attempt"
	}
	return fmt.Sprintf("stage %s failed (%s, %d %s): %s", outcome.Stage, kind, outcome.Attempts, attempts, detail)
}
