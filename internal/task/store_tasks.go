package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

// Create inserts a new pending task.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return errors.New("task is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if len(t.Stages) == 0 {
		return errors.New("task has no stages")
	}
	if strings.TrimSpace(t.Input) == "" {
		return errors.New("task input is required")
	}
	options, err := encodeOptions(t.Options)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Results == nil {
		t.Results = map[stage.Name]StageOutcome{}
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO tasks (
            id, stages, options_json, pipeline, input_ref, input_name, status,
            current_stage, error_message, cancel_requested, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		encodeStages(t.Stages),
		options,
		nullableString(t.Pipeline),
		t.Input,
		nullableString(t.InputName),
		t.Status,
		nil,
		nil,
		0,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get fetches a task and its recorded outcomes.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadOutcomes(ctx, []*Task{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) getRow(ctx context.Context, id string) (*Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks ordered by creation time, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	if err := s.loadOutcomes(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListActive returns tasks that have not reached a terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*Task, error) {
	return s.List(ctx, StatusPending, StatusRunning, StatusStageFailed)
}

// Transition moves a task to status to. The move is rejected with
// ErrInvalidTransition when the lifecycle forbids it; message, when set,
// replaces the task's error summary.
func (s *Store) Transition(ctx context.Context, id string, to Status, message string) (*Task, error) {
	const maxConflicts = 3
	for range maxConflicts {
		current, err := s.getRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if !CanTransition(current.Status, to) {
			return nil, fmt.Errorf("%w: task %s is %s, cannot become %s", ErrInvalidTransition, id, current.Status, to)
		}
		res, err := s.execWithRetry(
			ctx,
			`UPDATE tasks SET status = ?, error_message = COALESCE(?, error_message), updated_at = ?
             WHERE id = ? AND status = ?`,
			to,
			nullableString(message),
			formatTime(time.Now()),
			id,
			current.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("update task status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 1 {
			return s.Get(ctx, id)
		}
	}
	return nil, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, id)
}

// MarkStage records the stage a running task is attempting.
func (s *Store) MarkStage(ctx context.Context, id string, n stage.Name) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET current_stage = ?, updated_at = ? WHERE id = ? AND status = ?`,
		n,
		formatTime(time.Now()),
		id,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark stage: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: task %s is not running", ErrInvalidTransition, id)
	}
	return nil
}

// RequestCancel flags a running task for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		formatTime(time.Now()),
		id,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.getRow(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is not running", ErrInvalidTransition, id)
	}
	return nil
}

// Stats returns the number of tasks per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int, len(allStatuses))
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}
