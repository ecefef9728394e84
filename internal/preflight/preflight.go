package preflight

import (
	"context"
	"fmt"

	"mediaflow/internal/config"
	"mediaflow/internal/deps"
	"mediaflow/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes the orchestrator checks: its state and artifact
// directories and every configured stage endpoint.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Artifact directory", cfg.Paths.ArtifactDir),
	}
	for _, name := range stage.All() {
		ep, ok := cfg.StageEndpoint(name.String())
		if !ok {
			continue
		}
		results = append(results, CheckStageEndpoint(ctx, name, ep.URL))
	}
	return results
}

// RunStage executes the checks a stage service needs before it serves:
// the shared artifact directory, its binaries and, for process, the
// Ollama runtime.
func RunStage(ctx context.Context, cfg *config.Config, name stage.Name) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{CheckDirectoryAccess("Artifact directory", cfg.Paths.ArtifactDir)}
	for _, status := range deps.CheckBinaries(deps.StageRequirements(cfg, name)) {
		results = append(results, fromStatus(status))
	}
	if name == stage.Process {
		results = append(results, CheckOllama(ctx, cfg.Processor))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}

func fromStatus(status deps.Status) Result {
	r := Result{Name: status.Name, Passed: status.Available, Optional: status.Optional}
	if status.Available {
		r.Detail = fmt.Sprintf("%s found at %s", status.Command, status.Path)
	} else {
		r.Detail = status.Detail
	}
	return r
}
