package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

const taskColumns = "id, stages, options_json, pipeline, input_ref, input_name, status, current_stage, error_message, cancel_requested, created_at, updated_at"

const outcomeColumns = "task_id, stage, success, artifact_ref, error_kind, error_message, attempts, processing_ms, model, degraded, device, recorded_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id              string
		stagesRaw       string
		optionsRaw      sql.NullString
		pipeline        sql.NullString
		inputRef        string
		inputName       sql.NullString
		statusStr       string
		currentStage    sql.NullString
		errorMessage    sql.NullString
		cancelRequested int64
		createdRaw      string
		updatedRaw      string
	)
	if err := scanner.Scan(
		&id,
		&stagesRaw,
		&optionsRaw,
		&pipeline,
		&inputRef,
		&inputName,
		&statusStr,
		&currentStage,
		&errorMessage,
		&cancelRequested,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	t := &Task{
		ID:              id,
		Stages:          decodeStages(stagesRaw),
		Pipeline:        pipeline.String,
		Input:           inputRef,
		InputName:       inputName.String,
		Status:          Status(statusStr),
		CurrentStage:    stage.Name(currentStage.String),
		Error:           errorMessage.String,
		CancelRequested: cancelRequested != 0,
		Results:         map[stage.Name]StageOutcome{},
	}
	if optionsRaw.Valid && optionsRaw.String != "" {
		if err := json.Unmarshal([]byte(optionsRaw.String), &t.Options); err != nil {
			return nil, fmt.Errorf("decode options of task %s: %w", id, err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		t.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		t.UpdatedAt = updated
	}
	return t, nil
}

func scanOutcome(scanner interface{ Scan(dest ...any) error }) (string, StageOutcome, error) {
	var (
		taskID       string
		stageName    string
		success      int64
		artifactRef  sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		attempts     int64
		processingMS int64
		model        sql.NullString
		degraded     int64
		device       sql.NullString
		recordedRaw  string
	)
	if err := scanner.Scan(
		&taskID,
		&stageName,
		&success,
		&artifactRef,
		&errorKind,
		&errorMessage,
		&attempts,
		&processingMS,
		&model,
		&degraded,
		&device,
		&recordedRaw,
	); err != nil {
		return "", StageOutcome{}, err
	}
	outcome := StageOutcome{
		Stage:          stage.Name(stageName),
		Success:        success != 0,
		ArtifactRef:    artifactRef.String,
		Attempts:       int(attempts),
		ProcessingTime: time.Duration(processingMS) * time.Millisecond,
		Model:          model.String,
		Degraded:       degraded != 0,
		Device:         device.String,
	}
	if errorKind.Valid || errorMessage.Valid {
		outcome.Error = &StageError{Kind: errorKind.String, Message: errorMessage.String}
	}
	if recorded, err := parseTimeString(recordedRaw); err == nil {
		outcome.RecordedAt = recorded
	}
	return taskID, outcome, nil
}

func encodeStages(stages []stage.Name) string {
	parts := make([]string, len(stages))
	for i, n := range stages {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

func decodeStages(raw string) []stage.Name {
	var out []stage.Name
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, stage.Name(part))
		}
	}
	return out
}

func encodeOptions(options map[stage.Name]stage.Options) (any, error) {
	if len(options) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
