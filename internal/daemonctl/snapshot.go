package daemonctl

import (
	"context"
	"strings"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/config"
	"mediaflow/internal/preflight"
	"mediaflow/internal/task"
)

// StatusLine is one labelled row of the status report.
type StatusLine struct {
	Label    string
	Severity string
	Detail   string
}

// Snapshot is everything `mediaflow status` prints.
type Snapshot struct {
	Running   bool
	Daemon    api.DaemonStatus
	TaskStats map[string]int
	Checks    []StatusLine
	Stages    []api.StageHealth
}

// BuildStatusSnapshot asks the daemon for its status. When the daemon is not
// running, task counts come straight from the task store and stage health
// from direct probes of the configured endpoints.
func BuildStatusSnapshot(ctx context.Context, client *api.Client, cfg *config.Config) Snapshot {
	snap := Snapshot{TaskStats: map[string]int{}}
	if status, err := client.Status(ctx); err == nil {
		snap.Running = status.Running
		snap.Daemon = status
		snap.TaskStats = status.Workflow.TaskStats
		snap.Stages = status.Workflow.StageHealth
	}

	if !snap.Running {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if store, err := task.Open(cfg); err == nil {
			if stats, err := store.Stats(queryCtx); err == nil {
				snap.TaskStats = api.MergeTaskStats(stats)
			}
			_ = store.Close()
		}
	}

	snap.Checks = BuildSystemChecks(ctx, cfg, snap.Running)
	return snap
}

// BuildSystemChecks resolves status lines that combine runtime state and
// config checks.
func BuildSystemChecks(ctx context.Context, cfg *config.Config, daemonRunning bool) []StatusLine {
	lines := make([]StatusLine, 0, 8)
	if daemonRunning {
		lines = append(lines, StatusLine{Label: "Mediaflow", Severity: "ok", Detail: "Running"})
	} else {
		lines = append(lines, StatusLine{Label: "Mediaflow", Severity: "warn", Detail: "Not running (run `mediaflow start`)"})
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, result := range preflight.RunAll(checkCtx, cfg) {
		lines = append(lines, lineFromResult(result))
	}

	probe := preflight.ProbeGPUs(checkCtx)
	if probe.Detected {
		lines = append(lines, StatusLine{Label: "GPU", Severity: "ok", Detail: probe.Detail()})
	} else {
		lines = append(lines, StatusLine{Label: "GPU", Severity: "info", Detail: "None detected (stage services run on cpu)"})
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "ok", Detail: "Configured"})
	} else {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "info", Detail: "Not configured"})
	}
	if strings.TrimSpace(cfg.Events.NATSURL) != "" {
		lines = append(lines, StatusLine{Label: "Events", Severity: "ok", Detail: cfg.Events.NATSURL})
	}
	return lines
}

func lineFromResult(result preflight.Result) StatusLine {
	severity := "ok"
	if !result.Passed {
		severity = "error"
		if result.Optional {
			severity = "warn"
		}
	}
	return StatusLine{Label: result.Name, Severity: severity, Detail: result.Detail}
}
