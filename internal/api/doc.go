// Package api defines the wire-format types of the orchestrator HTTP API and
// a client for it. It translates internal task models into transport-friendly
// DTOs that the CLI and other consumers can render without coupling to
// internal types.
//
// # Key Types
//
// Task: transport representation of a task with its ordered stage outcomes.
//
// WorkflowStatus: manager running state, task counts, stage health and the
// last task touched.
//
// DaemonStatus: aggregated runtime information including artifact disk usage.
//
// SubmitRequest: JSON body of POST /api/tasks when the input is a local path.
//
// # Converters
//
// FromTask: task.Task -> Task with results ordered by the stage chain.
//
// FromStatusSummary: workflow.StatusSummary -> WorkflowStatus.
//
// StageHealthSlice: deterministic ordering of stage health reports.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Internal enums (task.Status, stage.Name) are
// exposed as lowercase strings. Timestamps use RFC3339 with milliseconds.
// Stage options keep the snake_case tags of the stage protocol so a pipeline
// preset can be copied into a request unchanged.
package api
