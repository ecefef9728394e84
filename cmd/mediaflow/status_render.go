package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"mediaflow/internal/api"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func statusKindFromSeverity(severity string) statusKind {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "ok":
		return statusOK
	case "warn":
		return statusWarn
	case "error":
		return statusError
	default:
		return statusInfo
	}
}

// stageHealthLine renders one stage service in the status report.
func stageHealthLine(health api.StageHealth, colorize bool) string {
	kind := statusOK
	detail := "Ready"
	switch {
	case !health.Ready && health.Status == stage.StatusBusy:
		kind = statusWarn
		detail = "Busy"
	case !health.Ready:
		kind = statusError
		detail = "Unavailable"
	case health.Status == stage.StatusBusy:
		detail = "Busy (accepting queued calls)"
	}
	var extras []string
	if health.Device != "" {
		extras = append(extras, "device "+health.Device)
	}
	if health.Model != "" {
		extras = append(extras, "model "+health.Model)
	}
	if health.GuardState != "" && health.GuardState != "none" {
		extras = append(extras, "guard "+health.GuardState)
	}
	if len(extras) > 0 {
		detail += " (" + strings.Join(extras, ", ") + ")"
	}
	if health.Detail != "" && !health.Ready {
		detail += ": " + health.Detail
	}
	return renderStatusLine(stage.Name(health.Name).Label(), kind, detail, colorize)
}

// buildTaskStatusRows renders non-zero task counts in lifecycle order.
func buildTaskStatusRows(stats map[string]int) [][]string {
	var rows [][]string
	for _, status := range task.AllStatuses() {
		count := stats[string(status)]
		if count == 0 {
			continue
		}
		rows = append(rows, []string{string(status), fmt.Sprintf("%d", count)})
	}
	return rows
}
