package api

import "mediaflow/internal/stage"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Task describes a task in a transport-friendly format.
type Task struct {
	ID              string                   `json:"id"`
	Status          string                   `json:"status"`
	Pipeline        string                   `json:"pipeline,omitempty"`
	Stages          []string                 `json:"stages"`
	CurrentStage    string                   `json:"currentStage,omitempty"`
	Input           string                   `json:"input"`
	InputName       string                   `json:"inputName,omitempty"`
	Output          string                   `json:"output,omitempty"`
	Options         map[string]stage.Options `json:"options,omitempty"`
	Results         []StageOutcome           `json:"results"`
	ErrorMessage    string                   `json:"errorMessage,omitempty"`
	CancelRequested bool                     `json:"cancelRequested"`
	CreatedAt       string                   `json:"createdAt,omitempty"`
	UpdatedAt       string                   `json:"updatedAt,omitempty"`
}

// StageOutcome is the record of one executed stage.
type StageOutcome struct {
	Stage                 string      `json:"stage"`
	Success               bool        `json:"success"`
	Artifact              string      `json:"artifact,omitempty"`
	Error                 *StageError `json:"error,omitempty"`
	Attempts              int         `json:"attempts"`
	ProcessingTimeSeconds float64     `json:"processingTimeSeconds"`
	Model                 string      `json:"model,omitempty"`
	Degraded              bool        `json:"degraded,omitempty"`
	Device                string      `json:"device,omitempty"`
	RecordedAt            string      `json:"recordedAt,omitempty"`
}

// StageError is a failed stage's classified error.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool           `json:"running"`
	Workers     int            `json:"workers"`
	Queued      int            `json:"queued"`
	InFlight    []string       `json:"inFlight,omitempty"`
	TaskStats   map[string]int `json:"taskStats"`
	LastError   string         `json:"lastError,omitempty"`
	LastTaskID  string         `json:"lastTaskId,omitempty"`
	StageHealth []StageHealth  `json:"stageHealth"`
	CheckedAt   string         `json:"checkedAt,omitempty"`
}

// StageHealth mirrors readiness reporting for stage services.
type StageHealth struct {
	Name       string `json:"name"`
	Ready      bool   `json:"ready"`
	Status     string `json:"status,omitempty"`
	Device     string `json:"device,omitempty"`
	Model      string `json:"model,omitempty"`
	GuardState string `json:"guardState,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid"`
	DatabasePath  string         `json:"databasePath"`
	LockFilePath  string         `json:"lockFilePath"`
	ArtifactDir   string         `json:"artifactDir"`
	ArtifactFree  uint64         `json:"artifactFreeBytes,omitempty"`
	ArtifactTotal uint64         `json:"artifactTotalBytes,omitempty"`
	Pipelines     []string       `json:"pipelines,omitempty"`
	Workflow      WorkflowStatus `json:"workflow"`
}

// HealthResponse is the aggregated stage health served at GET /health.
type HealthResponse struct {
	Status string        `json:"status"`
	Stages []StageHealth `json:"stages"`
}

// SubmitRequest is the JSON body of POST /api/tasks.
type SubmitRequest struct {
	ID        string                   `json:"id,omitempty"`
	InputPath string                   `json:"inputPath"`
	Pipeline  string                   `json:"pipeline,omitempty"`
	Stages    []string                 `json:"stages,omitempty"`
	Options   map[string]stage.Options `json:"options,omitempty"`
}

// TaskListResponse wraps a collection of tasks for API responses.
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task Task `json:"task"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// LogTailResponse is a chunk of the daemon log served at GET /api/logs.
// Offset is passed back on the next request to continue reading.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
