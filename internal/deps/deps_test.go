package deps

import (
	"os"
	"path/filepath"
	"testing"

	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}

	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}

	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}
	if results[0].Path != present {
		t.Fatalf("expected resolved path %s, got %s", present, results[0].Path)
	}
	if blank := Check(Requirement{Name: "Blank", Command: "  "}); blank.Available || blank.Detail != "command not configured" {
		t.Fatalf("unexpected status for unconfigured command %+v", blank)
	}
}

func TestStageRequirements(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Converter.FFmpegBinary = "/opt/ffmpeg/bin/ffmpeg"
	reqs := StageRequirements(cfg, stage.Convert)
	if len(reqs) != 1 || reqs[0].Command != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected converter requirements %+v", reqs)
	}

	cfg.Transcriber.Device = "cuda:0,cuda:1"
	reqs = StageRequirements(cfg, stage.Transcribe)
	if len(reqs) != 2 || reqs[1].Command != NVIDIASMICommand || reqs[1].Optional {
		t.Fatalf("expected mandatory nvidia-smi for explicit cuda, got %+v", reqs)
	}
	cfg.Transcriber.Device = "cpu"
	if reqs := StageRequirements(cfg, stage.Transcribe); len(reqs) != 1 {
		t.Fatalf("cpu transcription needs only uvx, got %+v", reqs)
	}
	if reqs := StageRequirements(cfg, stage.Process); len(reqs) != 0 {
		t.Fatalf("processor has no binary requirements, got %+v", reqs)
	}
}

func TestResolveDevices(t *testing.T) {
	binDir := t.TempDir()
	t.Setenv("PATH", binDir)
	if got := ResolveDevices("auto"); len(got) != 1 || got[0] != "cpu" {
		t.Fatalf("expected cpu without nvidia-smi, got %v", got)
	}
	if err := os.WriteFile(filepath.Join(binDir, NVIDIASMICommand), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	if got := ResolveDevices(""); len(got) != 1 || got[0] != "cuda" {
		t.Fatalf("expected cuda with nvidia-smi, got %v", got)
	}
	if got := ResolveDevices(" cuda:0, cuda:1 "); len(got) != 2 || got[1] != "cuda:1" {
		t.Fatalf("unexpected device list %v", got)
	}
}

func TestMissingIgnoresOptional(t *testing.T) {
	statuses := []Status{
		{Requirement: Requirement{Name: "a"}},
		{Requirement: Requirement{Name: "b", Optional: true}},
		{Requirement: Requirement{Name: "c"}, Available: true},
	}
	missing := Missing(statuses)
	if len(missing) != 1 || missing[0].Name != "a" {
		t.Fatalf("unexpected missing %+v", missing)
	}
}
