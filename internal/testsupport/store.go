package testsupport

import (
	"context"
	"strings"
	"testing"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// MustOpenStore opens a task.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *task.Store {
	t.Helper()

	store, err := task.Open(cfg)
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenArtifacts opens the artifact store configured in cfg.
func MustOpenArtifacts(t testing.TB, cfg *config.Config) *artifact.Store {
	t.Helper()

	store, err := artifact.Open(cfg.Paths.ArtifactDir)
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	return store
}

// NewTask creates a pending task over the given stages using the provided store.
func NewTask(t testing.TB, store *task.Store, id string, stages ...stage.Name) *task.Task {
	t.Helper()

	item := &task.Task{
		ID:     id,
		Stages: stages,
		Input:  id + "_source.mp4",
	}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return item
}

// PutArtifact commits content as the artifact of (taskID, stageName).
func PutArtifact(t testing.TB, store *artifact.Store, taskID string, stageName stage.Name, ext, content string) artifact.Ref {
	t.Helper()

	ref, err := store.Put(taskID, stageName, ext, strings.NewReader(content))
	if err != nil {
		t.Fatalf("artifact.Put: %v", err)
	}
	return ref
}
