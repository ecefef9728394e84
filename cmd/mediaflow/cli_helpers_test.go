package main

import (
	"bytes"
	"strings"
	"testing"

	"mediaflow/internal/api"
	"mediaflow/internal/stage"
)

func TestSubmitFlagsRequest(t *testing.T) {
	flags := submitFlags{
		id:           " t1 ",
		stages:       "convert, transcribe,process",
		models:       []string{"transcribe=small", "process=llama3"},
		language:     "de",
		prompt:       "summarise",
		instructions: "be brief",
	}
	req, err := flags.request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ID != "t1" {
		t.Fatalf("expected trimmed id, got %q", req.ID)
	}
	if strings.Join(req.Stages, ",") != "convert,transcribe,process" {
		t.Fatalf("unexpected stages %v", req.Stages)
	}
	tr := req.Options["transcribe"]
	if tr.Model != "small" || tr.Language != "de" {
		t.Fatalf("unexpected transcribe options %+v", tr)
	}
	pr := req.Options["process"]
	if pr.Model != "llama3" || pr.Prompt != "summarise" || pr.Instructions != "be brief" {
		t.Fatalf("unexpected process options %+v", pr)
	}
	if _, ok := req.Options["convert"]; ok {
		t.Fatal("convert should carry no options")
	}
}

func TestSubmitFlagsRequestErrors(t *testing.T) {
	cases := map[string]submitFlags{
		"no chain":        {},
		"bad stage":       {stages: "convert,enhance"},
		"model no equals": {stages: "transcribe", models: []string{"small"}},
		"model bad stage": {stages: "transcribe", models: []string{"upscale=x"}},
		"model empty":     {stages: "transcribe", models: []string{"transcribe="}},
	}
	for name, flags := range cases {
		if _, err := flags.request(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := (submitFlags{pipeline: "podcast"}).request(); err != nil {
		t.Fatalf("pipeline alone should be accepted: %v", err)
	}
}

func TestDialAddress(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0:8000":          "127.0.0.1:8000",
		"[::]:8000":             "127.0.0.1:8000",
		":8000":                 "127.0.0.1:8000",
		"10.0.0.5:9000":         "10.0.0.5:9000",
		"http://orchestrator:1": "http://orchestrator:1",
	}
	for in, want := range cases {
		if got := dialAddress(in); got != want {
			t.Fatalf("dialAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildTaskStatusRowsSkipsZeroCounts(t *testing.T) {
	rows := buildTaskStatusRows(map[string]int{"pending": 2, "completed": 0, "failed": 1})
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %v", rows)
	}
	if rows[0][0] != "pending" || rows[0][1] != "2" || rows[1][0] != "failed" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestStatusLabel(t *testing.T) {
	running := api.Task{Status: "running", CurrentStage: "transcribe", CancelRequested: true}
	if got := statusLabel(running); got != "running (transcribe) cancelling" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := statusLabel(api.Task{Status: "completed", CurrentStage: "process"}); got != "completed" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestRenderTaskDetailIncludesResults(t *testing.T) {
	var buf bytes.Buffer
	renderTaskDetail(&buf, api.Task{
		ID:        "t9",
		Status:    "failed",
		Stages:    []string{"convert", "transcribe"},
		Input:     "/media/talk.mp4",
		InputName: "talk.mp4",
		Results: []api.StageOutcome{
			{Stage: "convert", Success: true, Attempts: 1, Artifact: "t9_audio.wav", Device: "cpu"},
			{Stage: "transcribe", Attempts: 3, Error: &api.StageError{Kind: "resource_exhausted", Message: "out of memory"}},
		},
	})
	out := buf.String()
	for _, want := range []string{"Task:     t9", "convert -> transcribe", "talk.mp4 (/media/talk.mp4)", "t9_audio.wav", "failed (resource_exhausted)", "out of memory"} {
		requireContains(t, out, want)
	}
}

func TestStageHealthLine(t *testing.T) {
	busy := stageHealthLine(api.StageHealth{Name: stage.Transcribe.String(), Status: stage.StatusBusy, GuardState: "held"}, false)
	requireContains(t, busy, "Busy")
	requireContains(t, busy, "guard held")

	down := stageHealthLine(api.StageHealth{Name: stage.Process.String(), Detail: "connection refused"}, false)
	requireContains(t, down, "Unavailable: connection refused")
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(
		[]string{"ID", "Status", "Count"},
		[][]string{{"t1", "running"}, {"t2", "", "3"}},
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	)
	requireContains(t, out, "ID")
	requireContains(t, out, "Status")
	lines := strings.Split(out, "\n")
	var t1, t2 string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "t1"):
			t1 = line
		case strings.Contains(line, "t2"):
			t2 = line
		}
	}
	if !strings.Contains(t1, "-") || !strings.Contains(t2, "-") || !strings.Contains(t2, "3") {
		t.Fatalf("expected blank cells rendered as '-':\n%s", out)
	}
	if renderTable(nil, [][]string{{"x"}}, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}

func TestEncodeJSONKeepsMarkup(t *testing.T) {
	var buf bytes.Buffer
	if err := encodeJSON(&buf, map[string]string{"prompt": "<summary> & notes"}); err != nil {
		t.Fatalf("encodeJSON: %v", err)
	}
	requireContains(t, buf.String(), `"<summary> & notes"`)
}
