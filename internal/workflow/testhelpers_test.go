package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/notifications"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
	"mediaflow/internal/testsupport"
)

type stubNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (s *stubNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubNotifier) has(event notifications.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

// fakeStage is an in-process stage service. Scripted errors are consumed one
// per probe or call; once exhausted the stage succeeds and commits its
// output to the shared store like a real service.
type fakeStage struct {
	name      stage.Name
	artifacts *artifact.Store

	mu         sync.Mutex
	healthErrs []error
	invokeErrs []error
	skipWrite  bool
	echoInput  bool
	probes     int
	calls      int
	inputs     []string
	models     []string

	started chan struct{}
	release chan struct{}
}

func newFakeStage(name stage.Name, store *artifact.Store) *fakeStage {
	return &fakeStage{name: name, artifacts: store}
}

func (f *fakeStage) Name() stage.Name { return f.name }
func (f *fakeStage) BaseURL() string  { return "http://fake/" + f.name.String() }

func (f *fakeStage) Health(ctx context.Context) (stage.HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.healthErrs) > 0 {
		err := f.healthErrs[0]
		f.healthErrs = f.healthErrs[1:]
		return stage.HealthReport{Service: f.name}, err
	}
	return stage.HealthReport{Status: stage.StatusHealthy, Service: f.name, Ready: true}, nil
}

func (f *fakeStage) Capabilities(context.Context) (stage.Capability, error) {
	return stage.Capability{}, errors.New("descriptor endpoint not available")
}

func (f *fakeStage) Invoke(ctx context.Context, req stage.Request) (stage.Result, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, req.InputRef)
	f.models = append(f.models, req.Options.Model)
	var scripted error
	if len(f.invokeErrs) > 0 {
		scripted = f.invokeErrs[0]
		f.invokeErrs = f.invokeErrs[1:]
	}
	started, release, skip, echo := f.started, f.release, f.skipWrite, f.echoInput
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if scripted != nil {
		return stage.Result{}, scripted
	}

	name := artifact.Name(req.TaskID, f.name, f.name.OutputExt())
	if echo {
		name, skip = req.InputRef, true
	}
	if !skip {
		_, err := f.artifacts.Put(req.TaskID, f.name, f.name.OutputExt(), strings.NewReader(f.name.String()+" of "+req.InputRef))
		if err != nil && !errors.Is(err, artifact.ErrExists) {
			return stage.Result{}, err
		}
	}
	return stage.Result{
		Status:         stage.StatusSuccess,
		TaskID:         req.TaskID,
		Stage:          f.name,
		Output:         stage.Output{Name: name},
		ProcessingTime: 0.25,
		Model:          req.Options.Model,
		Device:         "cpu",
	}, nil
}

func (f *fakeStage) counts() (probes, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.calls
}

func (f *fakeStage) seenInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeStage) seenModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.models...)
}

type harness struct {
	cfg       *config.Config
	store     *task.Store
	artifacts *artifact.Store
	notifier  *stubNotifier
	stages    map[stage.Name]*fakeStage
	delays    *[]time.Duration
	manager   *Manager
}

func newHarness(t *testing.T, cfgOpts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, cfgOpts...)
	h := &harness{
		cfg:       cfg,
		store:     testsupport.MustOpenStore(t, cfg),
		artifacts: testsupport.MustOpenArtifacts(t, cfg),
		notifier:  &stubNotifier{},
		stages:    map[stage.Name]*fakeStage{},
		delays:    &[]time.Duration{},
	}
	for _, n := range stage.All() {
		h.stages[n] = newFakeStage(n, h.artifacts)
	}
	return h
}

// start builds the manager. Call after scripting the fake stages.
func (h *harness) start(t *testing.T, run bool) *Manager {
	t.Helper()
	var mu sync.Mutex
	clients := make([]StageClient, 0, len(h.stages))
	for _, f := range h.stages {
		clients = append(clients, f)
	}
	m, err := NewManager(h.cfg, h.store, h.artifacts, nil,
		WithClients(clients...),
		WithNotifier(h.notifier),
		WithRecoverInterval(20*time.Millisecond),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			*h.delays = append(*h.delays, d)
			mu.Unlock()
			return ctx.Err()
		}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.manager = m
	if run {
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(m.Stop)
	}
	return m
}

func (h *harness) input(t *testing.T, name string) string {
	t.Helper()
	return testsupport.WriteContent(t, filepath.Join(t.TempDir(), name), "media bytes")
}

func waitForStatus(t *testing.T, m *Manager, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		current, err := m.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if current.Status == want {
			return current
		}
		if current.Status.IsTerminal() {
			t.Fatalf("task %s reached %s (%s), want %s", id, current.Status, current.Error, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s after 5s, want %s", id, current.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func transientErr(stageName stage.Name, msg string) error {
	return services.Wrap(services.ErrTransient, stageName.String(), "health", msg, nil)
}
