package workflow

import (
	"context"
	"errors"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/task"
)

// Cancel stops a task. A pending task is cancelled at once. A running task
// is flagged and its worker stops at the next suspension point; a stage call
// already in flight completes but its result is discarded. Terminal tasks
// return task.ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, id string) (*task.Task, error) {
	ctx = services.WithTaskID(ctx, id)
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusPending {
		updated, err := m.store.Transition(ctx, id, task.StatusCancelled, "cancelled before start")
		if err == nil {
			m.loggerFor(ctx).Info("task cancelled",
				logging.String(logging.FieldEventType, "task_cancelled"),
				logging.String("status_before", string(task.StatusPending)),
			)
			m.publishStatus(ctx, updated)
			m.notifyCancelled(ctx, updated)
			return updated, nil
		}
		if !errors.Is(err, task.ErrInvalidTransition) {
			return nil, err
		}
		// A worker started the task between the read and the transition.
	}

	if err := m.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	signalled := m.signalCancel(id)
	m.loggerFor(ctx).Info("task cancellation requested",
		logging.String(logging.FieldEventType, "task_cancel_requested"),
		logging.Bool("worker_signalled", signalled),
	)
	return m.store.Get(ctx, id)
}

func (m *Manager) signalCancel(id string) bool {
	m.mu.RLock()
	fire, ok := m.inflight[id]
	m.mu.RUnlock()
	if ok {
		fire()
	}
	return ok
}
