package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failingHandler struct{ err error }

func (failingHandler) Enabled(context.Context, slog.Level) bool    { return true }
func (f failingHandler) Handle(context.Context, slog.Record) error { return f.err }
func (f failingHandler) WithAttrs([]slog.Attr) slog.Handler        { return f }
func (f failingHandler) WithGroup(string) slog.Handler             { return f }

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every sink is nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner, nil); h != inner {
		t.Fatal("expected the single non-nil sink to be returned unwrapped")
	}
}

func TestFanoutHandlerRespectsSinkLevels(t *testing.T) {
	var console, file bytes.Buffer
	h := newFanoutHandler(
		slog.NewJSONHandler(&console, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(h).With(slog.String(FieldTaskID, "t1")).WithGroup("stage")
	logger.Debug("probe", slog.String("name", "transcribe"))
	logger.Warn("retry", slog.Int("attempt", 2))

	if strings.Contains(console.String(), "probe") || !strings.Contains(console.String(), "retry") {
		t.Fatalf("console sink should only carry warnings, got %s", console.String())
	}
	if !strings.Contains(file.String(), "probe") || !strings.Contains(file.String(), `"task_id":"t1"`) {
		t.Fatalf("file sink should carry debug records with attrs, got %s", file.String())
	}
	if !strings.Contains(file.String(), `"stage":{"name":"transcribe"}`) {
		t.Fatalf("expected grouped attrs in file sink, got %s", file.String())
	}
	if h.Enabled(context.Background(), slog.LevelDebug-4) {
		t.Fatal("no sink accepts trace level")
	}
}

func TestFanoutHandlerJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("disk full")
	h := newFanoutHandler(failingHandler{err: boom}, slog.NewJSONHandler(&buf, nil))
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "task completed", 0)
	err := h.Handle(context.Background(), record)
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error to surface, got %v", err)
	}
	if !strings.Contains(buf.String(), "task completed") {
		t.Fatal("healthy sink should still receive the record")
	}
}
