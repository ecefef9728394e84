package task_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/stage"
	"mediaflow/internal/task"
	"mediaflow/internal/testsupport"
)

func TestCreateAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := &task.Task{
		ID:        "lecture-1",
		Stages:    []stage.Name{stage.Convert, stage.Transcribe},
		Options:   map[stage.Name]stage.Options{stage.Transcribe: {Model: "small", Language: "en"}},
		Input:     "lecture-1_source.mp4",
		InputName: "lecture.mp4",
		Pipeline:  "transcript",
	}
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fetched, err := store.Get(ctx, "lecture-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", fetched.Status)
	}
	if len(fetched.Stages) != 2 || fetched.Stages[1] != stage.Transcribe {
		t.Fatalf("unexpected stages %v", fetched.Stages)
	}
	if fetched.OptionsFor(stage.Transcribe).Model != "small" {
		t.Fatalf("options not persisted: %+v", fetched.Options)
	}
	if fetched.InputName != "lecture.mp4" || fetched.Pipeline != "transcript" {
		t.Fatalf("unexpected fields %+v", fetched)
	}
	if fetched.CreatedAt.IsZero() {
		t.Fatal("expected created timestamp")
	}

	if err := store.Create(ctx, &task.Task{ID: "lecture-1", Stages: []stage.Name{stage.Convert}, Input: "x"}); !errors.Is(err, task.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionRules(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTask(t, store, "t1", stage.Convert)

	if _, err := store.Transition(ctx, "t1", task.StatusCompleted, ""); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if _, err := store.Transition(ctx, "t1", task.StatusRunning, ""); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if _, err := store.Transition(ctx, "t1", task.StatusStageFailed, "stage convert failed"); err != nil {
		t.Fatalf("running -> stage_failed: %v", err)
	}
	failed, err := store.Transition(ctx, "t1", task.StatusFailed, "")
	if err != nil {
		t.Fatalf("stage_failed -> failed: %v", err)
	}
	if failed.Error != "stage convert failed" {
		t.Fatalf("expected error summary preserved, got %q", failed.Error)
	}
	for _, to := range task.AllStatuses() {
		if _, err := store.Transition(ctx, "t1", to, ""); !errors.Is(err, task.ErrInvalidTransition) {
			t.Fatalf("terminal task moved to %s (err=%v)", to, err)
		}
	}
}

func TestAppendOutcomeIsInsertOnlyAndOrdered(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTask(t, store, "t2", stage.Convert, stage.Transcribe, stage.Process)

	convert := task.StageOutcome{Stage: stage.Convert, Success: true, ArtifactRef: "t2_audio.wav", Attempts: 1, ProcessingTime: 1500 * time.Millisecond}
	if err := store.AppendOutcome(ctx, "t2", convert); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("outcomes must be rejected while pending, got %v", err)
	}
	if _, err := store.Transition(ctx, "t2", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendOutcome(ctx, "t2", task.StageOutcome{Stage: stage.Transcribe, Success: true}); !errors.Is(err, task.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := store.AppendOutcome(ctx, "t2", convert); err != nil {
		t.Fatalf("AppendOutcome: %v", err)
	}
	if err := store.AppendOutcome(ctx, "t2", convert); !errors.Is(err, task.ErrOutcomeExists) {
		t.Fatalf("expected ErrOutcomeExists, got %v", err)
	}
	failure := task.StageOutcome{
		Stage:    stage.Transcribe,
		Error:    &task.StageError{Kind: "transient", Message: "unreachable"},
		Attempts: 3,
		Model:    "base",
		Degraded: true,
	}
	if err := store.AppendOutcome(ctx, "t2", failure); err != nil {
		t.Fatalf("AppendOutcome failure: %v", err)
	}
	if err := store.AppendOutcome(ctx, "t2", task.StageOutcome{Stage: stage.Process, Success: true}); !errors.Is(err, task.ErrOutOfOrder) {
		t.Fatalf("no outcome may follow a failure, got %v", err)
	}

	fetched, err := store.Get(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if err := fetched.ValidateResults(); err != nil {
		t.Fatalf("ValidateResults: %v", err)
	}
	if fetched.CurrentStage != stage.Transcribe {
		t.Fatalf("expected current stage transcribe, got %s", fetched.CurrentStage)
	}
	got := fetched.Results[stage.Convert]
	if !got.Success || got.ArtifactRef != "t2_audio.wav" || got.ProcessingTime != 1500*time.Millisecond {
		t.Fatalf("unexpected convert outcome %+v", got)
	}
	tr := fetched.Results[stage.Transcribe]
	if tr.Success || tr.Error == nil || tr.Error.Kind != "transient" || tr.Attempts != 3 || !tr.Degraded {
		t.Fatalf("unexpected transcribe outcome %+v", tr)
	}
}

func TestConcurrentAppendSameStageOneWins(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTask(t, store, "race", stage.Convert)
	if _, err := store.Transition(ctx, "race", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	const writers = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.AppendOutcome(ctx, "race", task.StageOutcome{Stage: stage.Convert, Success: true, ArtifactRef: "race_audio.wav"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, task.ErrOutcomeExists):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one recorded outcome, got %d", wins)
	}
}

func TestListAndStats(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTask(t, store, "a", stage.Convert)
	testsupport.NewTask(t, store, "b", stage.Convert)
	testsupport.NewTask(t, store, "c", stage.Convert)
	if _, err := store.Transition(ctx, "b", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, "c", task.StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks, got %d", len(active))
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" {
		t.Fatalf("unexpected list order %v", all)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[task.StatusPending] != 1 || stats[task.StatusRunning] != 1 || stats[task.StatusCancelled] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestRequestCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTask(t, store, "c1", stage.Convert)

	if err := store.RequestCancel(ctx, "c1"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("pending tasks are cancelled directly, got %v", err)
	}
	if _, err := store.Transition(ctx, "c1", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.RequestCancel(ctx, "c1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	fetched, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !fetched.CancelRequested {
		t.Fatal("expected cancel flag")
	}
	if err := store.RequestCancel(ctx, "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := task.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	testsupport.NewTask(t, store, "persist", stage.Process)
	_ = store.Close()

	reopened := testsupport.MustOpenStore(t, cfg)
	if _, err := reopened.Get(context.Background(), "persist"); err != nil {
		t.Fatalf("expected task after reopen: %v", err)
	}
}
