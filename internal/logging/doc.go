// Package logging assembles structured slog loggers and formatting helpers used
// across the orchestrator and the stage services.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so workflow and stage code can tag log
// lines with task IDs, stage names, attempt numbers and correlation IDs. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
