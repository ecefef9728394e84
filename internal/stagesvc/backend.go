package stagesvc

import (
	"context"

	"mediaflow/internal/artifact"
	"mediaflow/internal/stage"
)

// Job is one resolved stage call.
type Job struct {
	TaskID string
	// InputName and InputPath address the input artifact. Both are empty
	// when the caller sent inline Text instead.
	InputName string
	InputPath string
	Text      string
	Options   stage.Options
}

// Outcome is what a backend committed for a Job.
type Outcome struct {
	Output artifact.Ref
	Extra  []artifact.Ref
	Model  string
	Device string
	// Text is echoed to the caller when the backend produced plain text.
	Text string
}

// Backend performs the work of one stage. Run must commit its output with
// the artifact store before returning.
type Backend interface {
	Name() stage.Name
	Capability(ctx context.Context) stage.Capability
	Health(ctx context.Context) stage.HealthReport
	Run(ctx context.Context, job Job) (Outcome, error)
}

// ModelManager is implemented by backends whose runtime can pull and delete
// models on request.
type ModelManager interface {
	PullModel(ctx context.Context, name string) error
	DeleteModel(ctx context.Context, name string) error
}
