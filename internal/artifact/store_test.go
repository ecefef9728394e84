package artifact_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mediaflow/internal/artifact"
	"mediaflow/internal/stage"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.Open(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestPutReadRoundTrip(t *testing.T) {
	store := newStore(t)
	payload := []byte("RIFF....WAVEfmt ")

	ref, err := store.Put("task-1", stage.Convert, "wav", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Name != "task-1_audio.wav" {
		t.Fatalf("unexpected name %q", ref.Name)
	}
	if ref.Size != int64(len(payload)) || ref.SHA256 == "" {
		t.Fatalf("unexpected ref %+v", ref)
	}

	got, err := store.ReadAll(ref.Name)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %q", got)
	}
	ok, err := store.Exists(ref.Name)
	if err != nil || !ok {
		t.Fatalf("expected artifact to exist (err=%v)", err)
	}
}

func TestPutRefusesOverwrite(t *testing.T) {
	store := newStore(t)
	if _, err := store.Put("t", stage.Transcribe, "txt", strings.NewReader("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := store.Put("t", stage.Transcribe, "txt", strings.NewReader("second"))
	if !errors.Is(err, artifact.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, _ := store.ReadAll("t_transcription.txt")
	if string(got) != "first" {
		t.Fatalf("artifact was modified: %q", got)
	}
}

func TestRemove(t *testing.T) {
	store := newStore(t)
	ref, err := store.Put("t", stage.Source, "wav", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Remove(ref.Name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := store.Exists(ref.Name); ok {
		t.Fatal("artifact still present after Remove")
	}
	if err := store.Remove(ref.Name); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if err := store.Remove("../escape"); !errors.Is(err, artifact.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := store.Put("t", stage.Source, "wav", strings.NewReader("again")); err != nil {
		t.Fatalf("Put after Remove: %v", err)
	}
}

func TestConcurrentWritersDistinctArtifacts(t *testing.T) {
	store := newStore(t)
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := strings.Repeat(fmt.Sprintf("%02d", i), 4096)
			if _, err := store.Put(fmt.Sprintf("task-%02d", i), stage.Process, "txt", strings.NewReader(body)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put failed: %v", err)
	}

	for i := range writers {
		got, err := store.ReadAll(fmt.Sprintf("task-%02d_processed.txt", i))
		if err != nil {
			t.Fatalf("ReadAll %d: %v", i, err)
		}
		want := strings.Repeat(fmt.Sprintf("%02d", i), 4096)
		if string(got) != want {
			t.Fatalf("artifact %d corrupted", i)
		}
	}
}

func TestConcurrentWritersSameArtifactOneWins(t *testing.T) {
	store := newStore(t)
	const writers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put("same", stage.Convert, "wav", strings.NewReader(strings.Repeat("x", 1000+i)))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, artifact.ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one writer to win, got %d", success)
	}
	ref, err := store.Stat("same_audio.wav")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if ref.Size < 1000 || ref.Size >= 1000+writers {
		t.Fatalf("unexpected committed size %d", ref.Size)
	}
}

func TestPutFileAndFind(t *testing.T) {
	store := newStore(t)
	src := filepath.Join(t.TempDir(), "lecture.MP4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	ref, err := store.PutFile("lec 1", stage.Source, src)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if ref.Name != "lec_1_source.mp4" {
		t.Fatalf("unexpected name %q", ref.Name)
	}
	if _, err := store.Put("lec_1", stage.Transcribe, "json", strings.NewReader("{}")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put("lec_1", stage.Transcribe, "txt", strings.NewReader("text")); err != nil {
		t.Fatal(err)
	}

	found, err := store.Find("lec_1", stage.Transcribe)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.Name != "lec_1_transcription.txt" {
		t.Fatalf("expected primary txt output, got %q", found.Name)
	}
	if _, err := store.Find("lec_1", stage.Process); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	refs, err := store.List("lec_1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 artifacts, got %v", refs)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	store := newStore(t)
	for _, name := range []string{"../etc/passwd", "a/b", "", "..", ".hidden"} {
		if _, err := store.Open(name); !errors.Is(err, artifact.ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
	if _, err := store.Open("missing_audio.wav"); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNaming(t *testing.T) {
	if got := artifact.SanitizeID("my task/../x!"); got != "my_task_.._x_" {
		t.Fatalf("unexpected sanitized id %q", got)
	}
	parsed, err := artifact.Parse("a_b_transcription.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.TaskID != "a_b" || parsed.Suffix != "transcription" || parsed.Ext != "json" {
		t.Fatalf("unexpected parse %+v", parsed)
	}
	if _, err := artifact.Parse("nounderscore.txt"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUsage(t *testing.T) {
	store := newStore(t)
	usage, err := store.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.TotalBytes == 0 || usage.FreeBytes > usage.TotalBytes {
		t.Fatalf("implausible usage %+v", usage)
	}
}
