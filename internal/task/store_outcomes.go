package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediaflow/internal/stage"
)

// AppendOutcome records the outcome of the next stage of a running task.
// Outcomes are insert-only: a second write for the same stage fails with
// ErrOutcomeExists, and an outcome for any stage other than the first one
// without a success fails with ErrOutOfOrder. The task's current stage is
// updated in the same transaction.
func (s *Store) AppendOutcome(ctx context.Context, taskID string, outcome StageOutcome) error {
	ctx = ensureContext(ctx)
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	err := retryOnBusy(ctx, func() error {
		return s.appendOutcomeTx(ctx, taskID, outcome)
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s stage %s", ErrOutcomeExists, taskID, outcome.Stage)
	}
	return err
}

func (s *Store) appendOutcomeTx(ctx context.Context, taskID string, outcome StageOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		stagesRaw string
		statusStr string
	)
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT stages, status FROM tasks WHERE id = ?`), taskID)
	if err := row.Scan(&stagesRaw, &statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return fmt.Errorf("read task: %w", err)
	}
	if Status(statusStr) != StatusRunning {
		return fmt.Errorf("%w: task %s is %s, outcomes are only recorded while running", ErrInvalidTransition, taskID, statusStr)
	}

	recorded := map[stage.Name]bool{}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT stage, success FROM stage_results WHERE task_id = ?`), taskID)
	if err != nil {
		return fmt.Errorf("read outcomes: %w", err)
	}
	for rows.Next() {
		var (
			name    string
			success int64
		)
		if err := rows.Scan(&name, &success); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan outcome: %w", err)
		}
		recorded[stage.Name(name)] = success != 0
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close outcomes: %w", err)
	}

	if _, exists := recorded[outcome.Stage]; exists {
		return fmt.Errorf("%w: task %s stage %s", ErrOutcomeExists, taskID, outcome.Stage)
	}
	stages := decodeStages(stagesRaw)
	seq := -1
	for idx, n := range stages {
		success, ok := recorded[n]
		if !ok {
			if n == outcome.Stage {
				seq = idx
			}
			break
		}
		if !success {
			break
		}
	}
	if seq < 0 {
		return fmt.Errorf("%w: task %s cannot record %s now", ErrOutOfOrder, taskID, outcome.Stage)
	}

	var errorKind, errorMessage any
	if outcome.Error != nil {
		errorKind = outcome.Error.Kind
		errorMessage = outcome.Error.Message
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO stage_results (
            task_id, stage, seq, success, artifact_ref, error_kind, error_message,
            attempts, processing_ms, model, degraded, device, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		taskID,
		outcome.Stage,
		seq,
		boolToInt(outcome.Success),
		nullableString(outcome.ArtifactRef),
		errorKind,
		errorMessage,
		outcome.Attempts,
		outcome.ProcessingTime.Milliseconds(),
		nullableString(outcome.Model),
		boolToInt(outcome.Degraded),
		nullableString(outcome.Device),
		formatTime(outcome.RecordedAt),
	); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE tasks SET current_stage = ?, updated_at = ? WHERE id = ?`),
		outcome.Stage,
		formatTime(time.Now()),
		taskID,
	); err != nil {
		return fmt.Errorf("update current stage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

func (s *Store) loadOutcomes(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		args = append(args, t.ID)
		if t.Results == nil {
			t.Results = map[stage.Name]StageOutcome{}
		}
	}
	rows, err := s.query(ctx,
		`SELECT `+outcomeColumns+` FROM stage_results WHERE task_id IN (`+makePlaceholders(len(args))+`) ORDER BY task_id, seq`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		taskID, outcome, err := scanOutcome(rows)
		if err != nil {
			return fmt.Errorf("scan outcome: %w", err)
		}
		if t, ok := byID[taskID]; ok {
			t.Results[outcome.Stage] = outcome
		}
	}
	return rows.Err()
}
