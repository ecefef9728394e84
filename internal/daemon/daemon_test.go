package daemon_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/daemon"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
	"mediaflow/internal/workflow"
)

// fakeStage commits its output straight into the shared store.
type fakeStage struct {
	name      stage.Name
	artifacts *artifact.Store

	mu        sync.Mutex
	healthErr error
}

func (f *fakeStage) Name() stage.Name { return f.name }
func (f *fakeStage) BaseURL() string  { return "http://fake/" + f.name.String() }

func (f *fakeStage) Health(context.Context) (stage.HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return stage.HealthReport{Service: f.name}, f.healthErr
	}
	return stage.HealthReport{Status: stage.StatusHealthy, Service: f.name, Ready: true, Device: "cpu"}, nil
}

func (f *fakeStage) Capabilities(context.Context) (stage.Capability, error) {
	return stage.Capability{}, errors.New("no descriptor")
}

func (f *fakeStage) Invoke(_ context.Context, req stage.Request) (stage.Result, error) {
	ext := f.name.OutputExt()
	ref, err := f.artifacts.Put(req.TaskID, f.name, ext, strings.NewReader(f.name.String()+" of "+req.InputRef))
	if err != nil && !errors.Is(err, artifact.ErrExists) {
		return stage.Result{}, err
	}
	return stage.Result{
		Status: stage.StatusSuccess,
		TaskID: req.TaskID,
		Stage:  f.name,
		Output: stage.Output{Name: artifact.Name(req.TaskID, f.name, ext), Size: ref.Size},
		Device: "cpu",
	}, nil
}

type env struct {
	cfg    *config.Config
	daemon *daemon.Daemon
	client *api.Client
	stages map[stage.Name]*fakeStage
}

func startDaemon(t *testing.T, token string) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = token
	store := testsupport.MustOpenStore(t, cfg)
	artifacts := testsupport.MustOpenArtifacts(t, cfg)

	e := &env{cfg: cfg, stages: map[stage.Name]*fakeStage{}}
	var clients []workflow.StageClient
	for _, n := range stage.All() {
		f := &fakeStage{name: n, artifacts: artifacts}
		e.stages[n] = f
		clients = append(clients, f)
	}
	mgr, err := workflow.NewManager(cfg, store, artifacts, nil,
		workflow.WithClients(clients...),
		workflow.WithRecoverInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	d, err := daemon.New(cfg, store, artifacts, nil, mgr)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	e.daemon = d
	e.client = api.NewClient(d.Addr(), token)
	return e
}

func waitForStatus(t *testing.T, client *api.Client, id, want string) api.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := client.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s is %s after 5s, want %s", id, got.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonStartStop(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()

	status := e.daemon.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.LockFilePath != e.cfg.LockPath() {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}
	if err := e.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	e.daemon.Stop()
	if e.daemon.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if e.daemon.Addr() != "" {
		t.Fatalf("expected no listener after stop, got %q", e.daemon.Addr())
	}
}

func TestSecondDaemonOnSameStateDirIsRejected(t *testing.T) {
	e := startDaemon(t, "")
	store := testsupport.MustOpenStore(t, e.cfg)
	artifacts := testsupport.MustOpenArtifacts(t, e.cfg)
	mgr, err := workflow.NewManager(e.cfg, store, artifacts, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	other, err := daemon.New(e.cfg, store, artifacts, nil, mgr)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(context.Background()); err == nil {
		other.Stop()
		t.Fatal("expected lock contention error")
	}
}

func TestSubmitByPathRunsToCompletion(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()
	input := testsupport.WriteContent(t, filepath.Join(t.TempDir(), "talk.mp4"), "video bytes")

	submitted, err := e.client.Submit(ctx, api.SubmitRequest{
		ID:        "talk",
		InputPath: input,
		Stages:    []string{"convert", "transcribe"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.ID != "talk" || submitted.Status != "pending" {
		t.Fatalf("unexpected submitted task %+v", submitted)
	}

	done := waitForStatus(t, e.client, "talk", "completed")
	if done.Output != "talk_transcription.txt" {
		t.Fatalf("expected final artifact talk_transcription.txt, got %q", done.Output)
	}
	if len(done.Results) != 2 || !done.Results[0].Success || done.Results[0].Stage != "convert" {
		t.Fatalf("unexpected results %+v", done.Results)
	}

	var buf bytes.Buffer
	name, err := e.client.Download(ctx, "talk", "transcribe", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if name != "talk_transcription.txt" || buf.String() != "transcribe of talk_audio.wav" {
		t.Fatalf("unexpected download %q: %q", name, buf.String())
	}

	buf.Reset()
	if _, err := e.client.Download(ctx, "talk", "source", &buf); err != nil {
		t.Fatalf("Download source: %v", err)
	}
	if buf.String() != "video bytes" {
		t.Fatalf("unexpected source content %q", buf.String())
	}
}

func TestUploadAndListByStatus(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()
	input := testsupport.WriteContent(t, filepath.Join(t.TempDir(), "memo.wav"), "wave bytes")

	uploaded, err := e.client.Upload(ctx, input, api.SubmitRequest{
		ID:      "memo",
		Stages:  []string{"transcribe"},
		Options: map[string]stage.Options{"transcribe": {Model: "small"}},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if uploaded.InputName != "memo.wav" {
		t.Fatalf("expected original input name, got %q", uploaded.InputName)
	}
	if uploaded.Options["transcribe"].Model != "small" {
		t.Fatalf("expected options to survive the upload, got %+v", uploaded.Options)
	}
	waitForStatus(t, e.client, "memo", "completed")

	completed, err := e.client.List(ctx, "completed")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "memo" {
		t.Fatalf("unexpected completed tasks %+v", completed)
	}
	pending, err := e.client.List(ctx, "pending")
	if err != nil {
		t.Fatalf("List pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending tasks, got %+v", pending)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()

	_, err := e.client.Get(ctx, "missing")
	if !api.IsNotFound(err) {
		t.Fatalf("expected 404 for unknown task, got %v", err)
	}

	_, err = e.client.Submit(ctx, api.SubmitRequest{InputPath: "/nonexistent/file.mp4", Stages: []string{"convert"}})
	assertStatus(t, err, http.StatusBadRequest, "client_input")

	input := testsupport.WriteContent(t, filepath.Join(t.TempDir(), "a.mp4"), "x")
	_, err = e.client.Submit(ctx, api.SubmitRequest{InputPath: input, Stages: []string{"encode"}})
	assertStatus(t, err, http.StatusBadRequest, "client_input")

	_, err = e.client.Submit(ctx, api.SubmitRequest{InputPath: input, Pipeline: "nope"})
	assertStatus(t, err, http.StatusUnprocessableEntity, "configuration")

	if _, err := e.client.Submit(ctx, api.SubmitRequest{ID: "a", InputPath: input, Stages: []string{"convert"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, e.client, "a", "completed")
	_, err = e.client.Cancel(ctx, "a")
	assertStatus(t, err, http.StatusConflict, "")

	_, err = e.client.Submit(ctx, api.SubmitRequest{ID: "a", InputPath: input, Stages: []string{"convert"}})
	assertStatus(t, err, http.StatusConflict, "")

	_, err = e.client.List(ctx, "sideways")
	assertStatus(t, err, http.StatusBadRequest, "client_input")

	_, err = e.client.Download(ctx, "a", "process", &bytes.Buffer{})
	if !api.IsNotFound(err) {
		t.Fatalf("expected 404 for an artifact never produced, got %v", err)
	}
}

func assertStatus(t *testing.T, err error, code int, kind string) {
	t.Helper()
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected API error %d, got %v", code, err)
	}
	if apiErr.StatusCode != code {
		t.Fatalf("expected status %d, got %d (%s)", code, apiErr.StatusCode, apiErr.Message)
	}
	if kind != "" && apiErr.Kind != kind {
		t.Fatalf("expected kind %q, got %q", kind, apiErr.Kind)
	}
}

func TestBearerTokenRequiredForAPI(t *testing.T) {
	e := startDaemon(t, "s3cret")
	ctx := context.Background()

	anonymous := api.NewClient(e.daemon.Addr(), "")
	_, err := anonymous.List(ctx)
	assertStatus(t, err, http.StatusUnauthorized, "")

	wrong := api.NewClient(e.daemon.Addr(), "guess")
	_, err = wrong.Status(ctx)
	assertStatus(t, err, http.StatusUnauthorized, "")

	if _, err := e.client.List(ctx); err != nil {
		t.Fatalf("authorized List: %v", err)
	}
	if _, err := anonymous.Health(ctx); err != nil {
		t.Fatalf("health must not require a token: %v", err)
	}
}

func TestStatusAndHealth(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()

	status, err := e.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || !status.Workflow.Running || status.ArtifactDir != e.cfg.Paths.ArtifactDir {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Workflow.StageHealth) != 3 || len(status.Pipelines) == 0 {
		t.Fatalf("expected stage health and pipelines, got %+v", status)
	}

	health, err := e.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("expected healthy, got %+v", health)
	}

	e.stages[stage.Process].mu.Lock()
	e.stages[stage.Process].healthErr = errors.New("connection refused")
	e.stages[stage.Process].mu.Unlock()

	health, err = e.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "degraded" {
		t.Fatalf("expected degraded, got %+v", health)
	}
	for _, s := range health.Stages {
		if s.Name == "process" && (s.Ready || !strings.Contains(s.Detail, "connection refused")) {
			t.Fatalf("unexpected process health %+v", s)
		}
	}

	resp, err := http.Get("http://" + e.daemon.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while degraded, got %d", resp.StatusCode)
	}
}

func TestLogsEndpoint(t *testing.T) {
	e := startDaemon(t, "")
	ctx := context.Background()
	logPath := e.cfg.DaemonLogPath()

	empty, err := e.client.Logs(ctx, api.LogQuery{Offset: -1, Limit: 10})
	if err != nil {
		t.Fatalf("Logs before any output: %v", err)
	}
	if len(empty.Lines) != 0 || empty.Offset != 0 {
		t.Fatalf("expected empty log, got %+v", empty)
	}

	testsupport.WriteContent(t, logPath, "first\nsecond\nthird\n")
	tail, err := e.client.Logs(ctx, api.LogQuery{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(tail.Lines) != 2 || tail.Lines[0] != "second" || tail.Lines[1] != "third" {
		t.Fatalf("unexpected tail %+v", tail)
	}

	testsupport.WriteContent(t, logPath, "first\nsecond\nthird\nfourth\n")
	next, err := e.client.Logs(ctx, api.LogQuery{Offset: tail.Offset, Follow: true})
	if err != nil {
		t.Fatalf("Logs follow: %v", err)
	}
	if len(next.Lines) != 1 || next.Lines[0] != "fourth" {
		t.Fatalf("expected only the new line, got %+v", next)
	}

	testsupport.WriteContent(t, logPath, strings.Join([]string{
		`{"level":"INFO","msg":"task submitted","task_id":"job-1"}`,
		`{"level":"INFO","msg":"task submitted","task_id":"job-2"}`,
		`2026-01-02T15:04:05Z INFO workflow: stage completed task_id=job-1 stage=convert`,
		`2026-01-02T15:04:06Z INFO workflow: stage completed task_id=job-10 stage=convert`,
	}, "\n")+"\n")
	only, err := e.client.Logs(ctx, api.LogQuery{Offset: -1, Limit: 10, TaskID: "job-1"})
	if err != nil {
		t.Fatalf("Logs for task: %v", err)
	}
	if len(only.Lines) != 2 || !strings.Contains(only.Lines[0], `"job-1"`) || !strings.Contains(only.Lines[1], "task_id=job-1 ") {
		t.Fatalf("expected the two job-1 lines, got %+v", only.Lines)
	}

	resp, err := http.Get("http://" + e.daemon.Addr() + "/api/logs?offset=abc")
	if err != nil {
		t.Fatalf("GET /api/logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad offset, got %d", resp.StatusCode)
	}
}
