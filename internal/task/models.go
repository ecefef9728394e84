package task

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

// Status represents the lifecycle of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusStageFailed Status = "stage_failed"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusStageFailed,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusCompleted, StatusStageFailed, StatusCancelled},
	StatusStageFailed: {StatusFailed},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return slices.Clone(allStatuses)
}

// ParseStatus converts a user-supplied string into a Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	return s, slices.Contains(allStatuses, s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// StageError is the persisted failure of a stage.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageOutcome is the immutable record of one executed stage.
type StageOutcome struct {
	Stage          stage.Name
	Success        bool
	ArtifactRef    string
	Error          *StageError
	Attempts       int
	ProcessingTime time.Duration
	Model          string
	Degraded       bool
	Device         string
	RecordedAt     time.Time
}

// Task is one requested run of a stage chain over a single input.
type Task struct {
	ID              string
	Stages          []stage.Name
	Options         map[stage.Name]stage.Options
	Pipeline        string
	Input           string
	InputName       string
	Status          Status
	CurrentStage    stage.Name
	Results         map[stage.Name]StageOutcome
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OptionsFor returns the options requested for a stage.
func (t *Task) OptionsFor(n stage.Name) stage.Options {
	if t.Options == nil {
		return stage.Options{}
	}
	return t.Options[n]
}

// OrderedResults returns outcomes in pipeline order.
func (t *Task) OrderedResults() []StageOutcome {
	out := make([]StageOutcome, 0, len(t.Results))
	for _, n := range t.Stages {
		if outcome, ok := t.Results[n]; ok {
			out = append(out, outcome)
		}
	}
	return out
}

// ValidateResults checks that results exist only for attempted stages and
// that their keys form a prefix of Stages. Only the last recorded outcome may
// be a failure.
func (t *Task) ValidateResults() error {
	count := 0
	for idx, n := range t.Stages {
		outcome, ok := t.Results[n]
		if !ok {
			break
		}
		count++
		if !outcome.Success && idx < len(t.Stages)-1 {
			if _, later := t.Results[t.Stages[idx+1]]; later {
				return fmt.Errorf("stage %s failed but %s has a result", n, t.Stages[idx+1])
			}
		}
	}
	if count != len(t.Results) {
		return fmt.Errorf("results %v are not a prefix of stages %v", resultKeys(t.Results), t.Stages)
	}
	return nil
}

// AllStagesSucceeded reports whether every requested stage has a success outcome.
func (t *Task) AllStagesSucceeded() bool {
	if len(t.Stages) == 0 {
		return false
	}
	for _, n := range t.Stages {
		outcome, ok := t.Results[n]
		if !ok || !outcome.Success {
			return false
		}
	}
	return true
}

// NextStage returns the first stage without a success outcome.
func (t *Task) NextStage() (stage.Name, bool) {
	for _, n := range t.Stages {
		if outcome, ok := t.Results[n]; !ok || !outcome.Success {
			return n, true
		}
	}
	return "", false
}

// InputFor returns the artifact a stage reads: the previous stage's output,
// or the task input for the first stage.
func (t *Task) InputFor(n stage.Name) string {
	idx := slices.Index(t.Stages, n)
	if idx <= 0 {
		return t.Input
	}
	if prev, ok := t.Results[t.Stages[idx-1]]; ok && prev.Success {
		return prev.ArtifactRef
	}
	return ""
}

// FinalArtifact returns the output of the last successful stage.
func (t *Task) FinalArtifact() string {
	ref := ""
	for _, outcome := range t.OrderedResults() {
		if outcome.Success {
			ref = outcome.ArtifactRef
		}
	}
	return ref
}

func resultKeys(results map[stage.Name]StageOutcome) []stage.Name {
	keys := make([]stage.Name, 0, len(results))
	for n := range results {
		keys = append(keys, n)
	}
	slices.Sort(keys)
	return keys
}
