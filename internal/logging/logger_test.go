package logging_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
)

func TestNewFromConfigWritesJSONFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg, "mediaflowd")
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started", logging.String(logging.FieldEventType, "daemon_start"))

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "mediaflowd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &record); err != nil {
		t.Fatalf("log file line is not JSON: %v (%q)", err, content)
	}
	if record["msg"] != "daemon started" || record["event_type"] != "daemon_start" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestComponentRendersAsPrefix(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "component.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "workflow").Info("stage completed", logging.String("stage", "convert"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "INFO workflow: stage completed") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "stage=convert") {
		t.Fatalf("expected stage attribute, got %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should not repeat as key/value, got %q", line)
	}
}

func TestWithContextAddsTaskFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithTaskID(context.Background(), "task-1")
	ctx = services.WithStage(ctx, "transcribe")
	ctx = services.WithAttempt(ctx, 2)
	logging.WithContext(ctx, logger).Info("dispatch")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(content, &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["task_id"] != "task-1" || record["stage"] != "transcribe" {
		t.Fatalf("missing context fields: %v", record)
	}
	if attempt, ok := record["attempt"].(float64); !ok || attempt != 2 {
		t.Fatalf("unexpected attempt field: %v", record["attempt"])
	}
}

func TestErrorWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "err.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	failure := services.Wrap(services.ErrResourceExhausted, "transcribe", "load", "out of memory", errors.New("cuda"))
	logging.ErrorWithContext(logger, "stage failed", "stage_failure", logging.ErrorAttrs(failure)...)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(content, &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["event_type"] != "stage_failure" {
		t.Fatalf("expected injected event_type, got %v", record["event_type"])
	}
	if record["error_kind"] != "resource_exhausted" {
		t.Fatalf("expected error_kind, got %v", record["error_kind"])
	}
	if record["error_hint"] == "" || record["error_hint"] == "check logs for details" {
		t.Fatalf("expected classified hint to win over default, got %v", record["error_hint"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
