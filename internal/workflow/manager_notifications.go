package workflow

import (
	"context"
	"time"

	"mediaflow/internal/events"
	"mediaflow/internal/logging"
	"mediaflow/internal/notifications"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// publish sends a lifecycle event. Failures are logged and never affect the
// task.
func (m *Manager) publish(ctx context.Context, e events.Event) {
	if m.publisher == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := m.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		m.loggerFor(ctx).Debug("event publish failed",
			logging.String("event", string(e.Type)),
			logging.Error(err),
		)
	}
}

func (m *Manager) publishStatus(ctx context.Context, t *task.Task) {
	if t == nil {
		return
	}
	m.publish(ctx, events.Event{
		Type:   events.TaskStatus,
		TaskID: t.ID,
		Status: string(t.Status),
		Stage:  t.CurrentStage.String(),
		Error:  t.Error,
	})
}

func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(context.WithoutCancel(ctx), event, payload); err != nil {
		logging.WarnWithContext(m.loggerFor(ctx), "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the ntfy topic and network access"),
		)
	}
}

func (m *Manager) notifyCompleted(ctx context.Context, t *task.Task) {
	m.notify(ctx, notifications.EventTaskCompleted, notifications.Payload{
		"taskID":   t.ID,
		"stages":   stageNames(t.Stages),
		"artifact": t.FinalArtifact(),
		"duration": t.UpdatedAt.Sub(t.CreatedAt),
	})
}

func (m *Manager) notifyFailed(ctx context.Context, t *task.Task, outcome *task.StageOutcome) {
	payload := notifications.Payload{"taskID": t.ID, "error": t.Error}
	if outcome != nil {
		payload["stage"] = outcome.Stage.String()
		payload["attempts"] = outcome.Attempts
		if outcome.Error != nil {
			payload["kind"] = outcome.Error.Kind
			payload["error"] = outcome.Error.Message
		}
	}
	m.notify(ctx, notifications.EventTaskFailed, payload)
}

func (m *Manager) notifyCancelled(ctx context.Context, t *task.Task) {
	m.notify(ctx, notifications.EventTaskCancelled, notifications.Payload{"taskID": t.ID})
}

func (m *Manager) notifyDegraded(ctx context.Context, t *task.Task, outcome task.StageOutcome) {
	m.notify(ctx, notifications.EventStageDegraded, notifications.Payload{
		"taskID": t.ID,
		"stage":  outcome.Stage.String(),
		"model":  outcome.Model,
	})
}

func stageNames(stages []stage.Name) []string {
	out := make([]string, len(stages))
	for i, n := range stages {
		out[i] = n.String()
	}
	return out
}
