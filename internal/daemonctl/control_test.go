package daemonctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/testsupport"
)

func statusServer(t *testing.T, pid int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.DaemonStatus{
			Running: true,
			PID:     pid,
			Workflow: api.WorkflowStatus{
				Running:   true,
				TaskStats: map[string]int{"completed": 2},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureStartedDetectsRunningDaemon(t *testing.T) {
	srv := statusServer(t, 4242)
	client := api.NewClient(srv.URL, "")

	result, err := EnsureStarted(context.Background(), client, "/nonexistent/mediaflow", LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if result.State != StartStateAlreadyRunning || result.Launched || result.PID != 4242 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestEnsureStartedFailsWhenLaunchFails(t *testing.T) {
	client := api.NewClient("127.0.0.1:1", "")
	if _, err := EnsureStarted(context.Background(), client, "/nonexistent/mediaflow", LaunchOptions{}, 100*time.Millisecond); err == nil {
		t.Fatal("expected launch failure")
	}
}

func TestStopReportsNotRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	client := api.NewClient("127.0.0.1:1", "")
	if _, err := StopAndTerminate(context.Background(), client, cfg, 100*time.Millisecond); err != ErrDaemonNotRunning {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestWaitForShutdownReturnsOnceAPIIsGone(t *testing.T) {
	srv := statusServer(t, 1)
	client := api.NewClient(srv.URL, "")
	srv.Close()
	if err := WaitForShutdown(context.Background(), client, time.Second); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}
}

func TestWaitForShutdownTimesOutWhileRunning(t *testing.T) {
	srv := statusServer(t, 1)
	client := api.NewClient(srv.URL, "")
	if err := WaitForShutdown(context.Background(), client, 250*time.Millisecond); err == nil {
		t.Fatal("expected timeout while the daemon still answers")
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "mediaflowd.pid")

	if _, err := readPID(pidPath, 0); err == nil {
		t.Fatal("expected error without pid file or fallback")
	}
	if pid, err := readPID(pidPath, 77); err != nil || pid != 77 {
		t.Fatalf("expected fallback pid 77, got %d (%v)", pid, err)
	}
	if err := os.WriteFile(pidPath, []byte("1234\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if pid, err := readPID(pidPath, 77); err != nil || pid != 1234 {
		t.Fatalf("expected pid file to win, got %d (%v)", pid, err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := readPID(pidPath, 0); err == nil {
		t.Fatal("expected refusal to signal the current process")
	}
}

func TestBuildStatusSnapshotFallsBackToStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.NewTask(t, store, "queued", "convert")

	snap := BuildStatusSnapshot(context.Background(), api.NewClient("127.0.0.1:1", ""), cfg)
	if snap.Running {
		t.Fatal("expected daemon to be reported as not running")
	}
	if snap.TaskStats["pending"] != 1 {
		t.Fatalf("expected one pending task from the store, got %+v", snap.TaskStats)
	}
	if len(snap.Checks) == 0 || snap.Checks[0].Label != "Mediaflow" || snap.Checks[0].Severity != "warn" {
		t.Fatalf("unexpected checks %+v", snap.Checks)
	}
}

func TestBuildStatusSnapshotUsesDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	srv := statusServer(t, 9)
	snap := BuildStatusSnapshot(context.Background(), api.NewClient(srv.URL, ""), cfg)
	if !snap.Running || snap.Daemon.PID != 9 || snap.TaskStats["completed"] != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
