package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"mediaflow/internal/api"
)

const displayTimeFormat = "2006-01-02 15:04:05"

func buildTaskListRows(tasks []api.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		input := t.InputName
		if input == "" {
			input = t.Input
		}
		rows = append(rows, []string{
			t.ID,
			statusLabel(t),
			strings.Join(t.Stages, ","),
			input,
			formatDisplayTime(t.CreatedAt),
		})
	}
	return rows
}

// statusLabel adds the current stage to a running task's status.
func statusLabel(t api.Task) string {
	label := t.Status
	if t.CurrentStage != "" && (t.Status == "running" || t.Status == "stage_failed") {
		label += " (" + t.CurrentStage + ")"
	}
	if t.CancelRequested && t.Status == "running" {
		label += " cancelling"
	}
	return label
}

func formatDisplayTime(value string) string {
	parsed := api.ParseTaskTime(value)
	if parsed.IsZero() {
		return value
	}
	return parsed.Local().Format(displayTimeFormat)
}

func renderTaskDetail(out io.Writer, t api.Task) {
	fmt.Fprintf(out, "Task:     %s\n", t.ID)
	fmt.Fprintf(out, "Status:   %s\n", statusLabel(t))
	if t.Pipeline != "" {
		fmt.Fprintf(out, "Pipeline: %s\n", t.Pipeline)
	}
	fmt.Fprintf(out, "Stages:   %s\n", strings.Join(t.Stages, " -> "))
	if t.InputName != "" {
		fmt.Fprintf(out, "Input:    %s (%s)\n", t.InputName, t.Input)
	} else {
		fmt.Fprintf(out, "Input:    %s\n", t.Input)
	}
	if t.Output != "" {
		fmt.Fprintf(out, "Output:   %s\n", t.Output)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", t.ErrorMessage)
	}
	fmt.Fprintf(out, "Created:  %s\n", formatDisplayTime(t.CreatedAt))
	fmt.Fprintf(out, "Updated:  %s\n", formatDisplayTime(t.UpdatedAt))

	if len(t.Results) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, renderTable(
		[]string{"Stage", "Result", "Attempts", "Time", "Model", "Device", "Artifact / Error"},
		buildResultRows(t.Results),
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	))
	fmt.Fprintln(out)
}

func buildResultRows(results []api.StageOutcome) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		result := "ok"
		detail := r.Artifact
		if !r.Success {
			result = "failed"
			if r.Error != nil {
				result = "failed (" + r.Error.Kind + ")"
				detail = r.Error.Message
			}
		}
		model := r.Model
		if r.Degraded {
			model += " (degraded)"
		}
		rows = append(rows, []string{
			r.Stage,
			result,
			fmt.Sprintf("%d", r.Attempts),
			(time.Duration(r.ProcessingTimeSeconds * float64(time.Second))).Round(10 * time.Millisecond).String(),
			model,
			r.Device,
			detail,
		})
	}
	return rows
}
