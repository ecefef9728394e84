package workflow

import (
	"context"
	"io"
	"time"

	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// StageClient is the orchestrator's view of one stage service.
type StageClient interface {
	Name() stage.Name
	BaseURL() string
	Health(ctx context.Context) (stage.HealthReport, error)
	Capabilities(ctx context.Context) (stage.Capability, error)
	Invoke(ctx context.Context, req stage.Request) (stage.Result, error)
}

// SubmitRequest describes a new task. Exactly one of InputPath and Input
// supplies the media; Stages or Pipeline names the chain.
type SubmitRequest struct {
	// ID is optional; one is generated when empty.
	ID       string
	Pipeline string
	Stages   []stage.Name
	Options  map[stage.Name]stage.Options

	// InputPath is a local file imported into the artifact store.
	InputPath string
	// Input streams an upload. InputName carries its original file name
	// and InputSize its length when known. InputName is ignored for
	// InputPath.
	Input     io.Reader
	InputName string
	InputSize int64
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	Workers     int
	Queued      int
	InFlight    []string
	LastError   string
	LastTaskID  string
	TaskStats   map[task.Status]int
	StageHealth map[stage.Name]stage.Health
	CheckedAt   time.Time
}
