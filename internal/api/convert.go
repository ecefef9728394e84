package api

import (
	"slices"
	"time"

	"mediaflow/internal/stage"
	"mediaflow/internal/task"
	"mediaflow/internal/workflow"
)

// FromTask converts a task record to its API representation.
func FromTask(t *task.Task) Task {
	if t == nil {
		return Task{}
	}

	dto := Task{
		ID:              t.ID,
		Status:          string(t.Status),
		Pipeline:        t.Pipeline,
		Stages:          stageStrings(t.Stages),
		CurrentStage:    string(t.CurrentStage),
		Input:           t.Input,
		InputName:       t.InputName,
		ErrorMessage:    t.Error,
		CancelRequested: t.CancelRequested,
		CreatedAt:       FormatTime(t.CreatedAt),
		UpdatedAt:       FormatTime(t.UpdatedAt),
		Results:         make([]StageOutcome, 0, len(t.Results)),
	}
	if t.Status == task.StatusCompleted {
		dto.Output = t.FinalArtifact()
	}
	if len(t.Options) > 0 {
		dto.Options = make(map[string]stage.Options, len(t.Options))
		for name, opts := range t.Options {
			dto.Options[string(name)] = opts
		}
	}
	for _, outcome := range t.OrderedResults() {
		dto.Results = append(dto.Results, FromOutcome(outcome))
	}
	return dto
}

// FromTasks converts a slice of task records into API DTOs.
func FromTasks(tasks []*task.Task) []Task {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FromTask(t))
	}
	return out
}

// FromOutcome converts a stage outcome.
func FromOutcome(o task.StageOutcome) StageOutcome {
	dto := StageOutcome{
		Stage:                 string(o.Stage),
		Success:               o.Success,
		Artifact:              o.ArtifactRef,
		Attempts:              o.Attempts,
		ProcessingTimeSeconds: o.ProcessingTime.Seconds(),
		Model:                 o.Model,
		Degraded:              o.Degraded,
		Device:                o.Device,
		RecordedAt:            FormatTime(o.RecordedAt),
	}
	if o.Error != nil {
		dto.Error = &StageError{Kind: o.Error.Kind, Message: o.Error.Message}
	}
	return dto
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	health := make(map[string]stage.HealthReport, len(summary.StageHealth))
	for name, h := range summary.StageHealth {
		health[string(name)] = stage.HealthReport{Service: name, Ready: h.Ready, Detail: h.Detail}
	}
	return WorkflowStatus{
		Running:     summary.Running,
		Workers:     summary.Workers,
		Queued:      summary.Queued,
		InFlight:    summary.InFlight,
		TaskStats:   MergeTaskStats(summary.TaskStats),
		LastError:   summary.LastError,
		LastTaskID:  summary.LastTaskID,
		StageHealth: StageHealthSlice(health),
		CheckedAt:   FormatTime(summary.CheckedAt),
	}
}

// MergeTaskStats produces a string-keyed representation of task stats that
// lists every status, including those with no tasks.
func MergeTaskStats(stats map[task.Status]int) map[string]int {
	out := make(map[string]int, len(task.AllStatuses()))
	for _, status := range task.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

// StageHealthSlice converts a stage health map into a deterministic slice.
func StageHealthSlice(health map[string]stage.HealthReport) []StageHealth {
	if len(health) == 0 {
		return nil
	}
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]StageHealth, 0, len(names))
	for _, name := range names {
		h := health[name]
		out = append(out, StageHealth{
			Name:       name,
			Ready:      h.Ready,
			Status:     h.Status,
			Device:     h.Device,
			Model:      h.Model,
			GuardState: h.GuardState,
			Detail:     h.Detail,
		})
	}
	return out
}

// FromHealthReports builds the GET /health payload. The orchestrator is
// "healthy" only when every stage service is ready.
func FromHealthReports(reports map[stage.Name]stage.HealthReport) HealthResponse {
	health := make(map[string]stage.HealthReport, len(reports))
	status := "healthy"
	for name, report := range reports {
		health[string(name)] = report
		if !report.Ready {
			status = "degraded"
		}
	}
	return HealthResponse{Status: status, Stages: StageHealthSlice(health)}
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func stageStrings(names []stage.Name) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out
}
