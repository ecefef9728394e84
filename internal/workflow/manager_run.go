package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/task"
)

// errCancelled reports that the task's cancel signal fired.
var errCancelled = errors.New("task cancelled")

// Start launches the worker pool and resumes tasks left active by a previous
// run.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(m.workers + 1)
	m.mu.Unlock()

	for i := range m.workers {
		go m.worker(runCtx, i+1)
	}
	go m.recoverLoop(runCtx)

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_start"),
		logging.Int("workers", m.workers),
		logging.Int("max_attempts", m.retry.MaxAttempts),
	)
	return nil
}

// Stop terminates background processing and waits for completion. Tasks
// interrupted mid-stage stay running in the store and resume on the next
// Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// enqueue schedules a task unless it is already queued or running. A full
// queue is not an error: the recovery sweep schedules the task later.
func (m *Manager) enqueue(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[id]; ok {
		return false
	}
	if _, ok := m.inflight[id]; ok {
		return false
	}
	select {
	case m.queue <- id:
		m.queued[id] = struct{}{}
		return true
	default:
		return false
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.process(ctx, id, n)
		}
	}
}

func (m *Manager) recoverLoop(ctx context.Context) {
	defer m.wg.Done()
	m.recoverActive(ctx)
	ticker := time.NewTicker(m.recoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverActive(ctx)
		}
	}
}

// recoverActive schedules every non-terminal task that no worker owns.
func (m *Manager) recoverActive(ctx context.Context) {
	tasks, err := m.store.ListActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.setLastError(err)
		logging.WarnWithContext(m.logger, "active task scan failed", "task_recover_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check task database access"),
		)
		return
	}
	for _, t := range tasks {
		if m.enqueue(t.ID) && t.Status != task.StatusPending {
			m.loggerFor(taskContext(ctx, t)).Info("resuming task",
				logging.String(logging.FieldEventType, "task_resume"),
				logging.String("status", string(t.Status)),
				logging.Int("completed_stages", len(t.Results)),
			)
		}
	}
}

func (m *Manager) process(ctx context.Context, id string, worker int) {
	signal, fire := context.WithCancel(ctx)
	m.mu.Lock()
	delete(m.queued, id)
	m.inflight[id] = fire
	m.lastTask = id
	m.mu.Unlock()

	defer func() {
		fire()
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	ctx = services.WithTaskID(ctx, id)
	signal = services.WithTaskID(signal, id)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			m.setLastError(err)
			logging.ErrorWithContext(m.loggerFor(ctx), "task worker panicked", "task_panic",
				logging.Error(err),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "report this crash; the task was marked failed"),
			)
			m.abortTask(context.WithoutCancel(ctx), id, err)
		}
	}()

	m.loggerFor(ctx).Debug("task dequeued", logging.Int("worker", worker))
	if err := m.runTask(ctx, signal, id); err != nil {
		if ctx.Err() != nil {
			m.loggerFor(ctx).Info("task interrupted by shutdown; it resumes on next start",
				logging.String(logging.FieldEventType, "task_interrupted"),
			)
			return
		}
		m.setLastError(err)
		logging.ErrorWithContext(m.loggerFor(ctx), "task aborted", "task_aborted",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check task database access and artifact storage"),
		)
		m.abortTask(ctx, id, err)
	}
}

// runTask advances a task until it reaches a terminal status. Stages that
// already have a success outcome are skipped.
func (m *Manager) runTask(ctx, signal context.Context, id string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			m.loggerFor(ctx).Warn("queued task disappeared", logging.String(logging.FieldEventType, "task_missing"),
				logging.String(logging.FieldErrorHint, "the task database may have been replaced"))
			return nil
		}
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if t.Status == task.StatusPending {
		t, err = m.store.Transition(ctx, id, task.StatusRunning, "")
		if errors.Is(err, task.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return err
		}
		m.publishStatus(ctx, t)
		m.loggerFor(ctx).Info("task started",
			logging.String(logging.FieldEventType, "task_start"),
			logging.Any("stages", stageNames(t.Stages)),
		)
	}
	if t.Status == task.StatusStageFailed {
		return m.failTask(ctx, t, lastFailure(t))
	}

	for {
		if err := t.ValidateResults(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.CancelRequested || isCancelled(ctx, signal) {
			return m.finishCancelled(ctx, t)
		}
		next, ok := t.NextStage()
		if !ok {
			return m.finishCompleted(ctx, t)
		}
		if prior, exists := t.Results[next]; exists && !prior.Success {
			return m.failStage(ctx, t, prior)
		}

		outcome, err := m.runStage(ctx, signal, t, next)
		if errors.Is(err, errCancelled) {
			return m.finishCancelled(ctx, t)
		}
		if err != nil {
			return err
		}
		stageCtx := stageContext(ctx, next, 0)
		if err := m.store.AppendOutcome(stageCtx, t.ID, outcome); err != nil {
			if !errors.Is(err, task.ErrOutcomeExists) {
				return fmt.Errorf("record %s outcome: %w", next, err)
			}
			m.loggerFor(stageCtx).Warn("stage outcome already recorded; using stored outcome",
				logging.String(logging.FieldEventType, "outcome_exists"),
				logging.String(logging.FieldErrorHint, "another process may be running this task"),
			)
		} else {
			m.recordStageOutcome(stageCtx, t, outcome)
		}

		if t, err = m.store.Get(ctx, id); err != nil {
			return err
		}
		if stored, ok := t.Results[next]; ok && !stored.Success {
			return m.failStage(ctx, t, stored)
		}
	}
}

func (m *Manager) finishCompleted(ctx context.Context, t *task.Task) error {
	if !t.AllStagesSucceeded() {
		return fmt.Errorf("task %s has no stage left but not every stage succeeded", t.ID)
	}
	updated, err := m.store.Transition(ctx, t.ID, task.StatusCompleted, "")
	if err != nil {
		return err
	}
	m.loggerFor(ctx).Info("task completed",
		logging.String(logging.FieldEventType, "task_complete"),
		logging.String("artifact", updated.FinalArtifact()),
		logging.Duration("elapsed", updated.UpdatedAt.Sub(updated.CreatedAt)),
	)
	m.publishStatus(ctx, updated)
	m.notifyCompleted(ctx, updated)
	return nil
}

func (m *Manager) finishCancelled(ctx context.Context, t *task.Task) error {
	updated, err := m.store.Transition(ctx, t.ID, task.StatusCancelled, "cancelled by request")
	if err != nil {
		return err
	}
	m.loggerFor(ctx).Info("task cancelled",
		logging.String(logging.FieldEventType, "task_cancelled"),
		logging.String(logging.FieldStage, updated.CurrentStage.String()),
	)
	m.publishStatus(ctx, updated)
	m.notifyCancelled(ctx, updated)
	return nil
}

func isCancelled(ctx, signal context.Context) bool {
	return ctx.Err() == nil && signal.Err() != nil
}

func lastFailure(t *task.Task) *task.StageOutcome {
	for _, outcome := range t.OrderedResults() {
		if !outcome.Success {
			return &outcome
		}
	}
	return nil
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
