package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/services"
	"mediaflow/internal/services/whisperx"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
	"mediaflow/internal/testsupport"
)

const whisperOutput = `{"language":"ru","segments":[
 {"text":" Привет мир.","start":0.0,"end":1.4,"words":[
  {"word":"Привет","start":0.0,"end":0.5},
  {"word":"мир.","start":1.0,"end":1.4}]}]}`

type recorder struct {
	mu   sync.Mutex
	args []string
}

func (r *recorder) runner(output string, fail error) whisperx.CommandRunner {
	return func(_ context.Context, _ string, args ...string) error {
		r.mu.Lock()
		r.args = append([]string(nil), args...)
		r.mu.Unlock()
		if fail != nil {
			return fail
		}
		outDir := argValue(args, "--output_dir")
		source := args[indexOf(args, "whisperx")+1]
		base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		return os.WriteFile(filepath.Join(outDir, base+".json"), []byte(output), 0o644)
	}
}

func indexOf(args []string, value string) int {
	for i, a := range args {
		if a == value {
			return i
		}
	}
	return -1
}

func argValue(args []string, flag string) string {
	if i := indexOf(args, flag); i >= 0 && i+1 < len(args) {
		return args[i+1]
	}
	return ""
}

func newBackend(t *testing.T, runner whisperx.CommandRunner, devices []string, mutate func(*config.Config)) (*Backend, *artifact.Store, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("uvx"))
	cfg.Transcriber.Device = "cpu"
	if mutate != nil {
		mutate(cfg)
	}
	store := testsupport.MustOpenArtifacts(t, cfg)
	svc := whisperx.NewService(whisperx.Config{Language: "ru"})
	svc.WithCommandRunner(runner)
	b, err := New(cfg, store, svc, devices, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	audio := testsupport.PutArtifact(t, store, "t1", stage.Convert, "wav", "RIFF")
	path, err := store.Path(audio.Name)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	return b, store, path
}

func TestRunCommitsTranscriptAndTimeline(t *testing.T) {
	rec := &recorder{}
	b, store, input := newBackend(t, rec.runner(whisperOutput, nil), []string{"cuda:1"}, nil)

	out, err := b.Run(context.Background(), stagesvc.Job{
		TaskID:    "t1",
		InputPath: input,
		Options:   stage.Options{Model: "small", Language: "en-US"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Output.Name != "t1_transcription.txt" || out.Text != "Привет мир." {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Model != "small" || out.Device != "cuda:1" {
		t.Fatalf("expected model small on cuda:1, got %s on %s", out.Model, out.Device)
	}
	if argValue(rec.args, "--device_index") != "1" || argValue(rec.args, "--language") != "en" {
		t.Fatalf("unexpected whisperx args %v", rec.args)
	}

	if len(out.Extra) != 1 || out.Extra[0].Name != "t1_transcription.json" {
		t.Fatalf("expected timeline sidecar, got %+v", out.Extra)
	}
	data, err := store.ReadAll("t1_transcription.json")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var doc struct {
		Timeline []whisperx.TimelineEntry `json:"timeline"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(doc.Timeline) != 3 || doc.Timeline[1].Type != whisperx.EntryPause {
		t.Fatalf("expected word, pause, word; got %+v", doc.Timeline)
	}

	snap := b.Pool().Snapshots()[0]
	if snap.State != "idle" || snap.Resident != "small" || snap.Holders != 0 {
		t.Fatalf("lease was not released: %+v", snap)
	}
}

func TestRunAutoLanguageOmitsFlag(t *testing.T) {
	rec := &recorder{}
	b, _, input := newBackend(t, rec.runner(whisperOutput, nil), nil, nil)
	if _, err := b.Run(context.Background(), stagesvc.Job{TaskID: "t1", InputPath: input, Options: stage.Options{Language: "auto"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if indexOf(rec.args, "--language") >= 0 {
		t.Fatalf("auto language must let whisperx detect, got %v", rec.args)
	}
}

func TestRunKeepsTimelineFromEarlierAttempt(t *testing.T) {
	rec := &recorder{}
	b, store, input := newBackend(t, rec.runner(whisperOutput, nil), nil, nil)
	testsupport.PutArtifact(t, store, "t1", stage.Transcribe, "json", `{"timeline":[]}`)
	out, err := b.Run(context.Background(), stagesvc.Job{TaskID: "t1", InputPath: input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Extra[0].Name != "t1_transcription.json" {
		t.Fatalf("unexpected sidecar %+v", out.Extra)
	}
}

func TestRunClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"oom", errors.New("uvx: exit status 1: torch.OutOfMemoryError: CUDA out of memory"), services.KindResourceExhausted},
		{"crash", errors.New("uvx: exit status 1: segmentation fault"), services.KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			b, _, input := newBackend(t, rec.runner("", tc.err), nil, nil)
			_, err := b.Run(context.Background(), stagesvc.Job{TaskID: "t1", InputPath: input})
			if got := services.KindOf(err); got != tc.want {
				t.Fatalf("KindOf = %s, want %s (%v)", got, tc.want, err)
			}
		})
	}

	rec := &recorder{}
	b, _, input := newBackend(t, rec.runner(whisperOutput, nil), nil, nil)
	_, err := b.Run(context.Background(), stagesvc.Job{TaskID: "t1", InputPath: input, Options: stage.Options{Language: "not a language!"}})
	if services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected client_input for a bad language, got %v", err)
	}
}

func TestHealthReflectsGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := func(_ context.Context, _ string, args ...string) error {
		close(started)
		<-release
		return errors.New("stopped")
	}
	b, _, input := newBackend(t, runner, []string{"cuda:0"}, func(cfg *config.Config) {
		cfg.Transcriber.Guard.Mode = "reject"
	})

	report := b.Health(context.Background())
	if !report.Ready || report.GuardState != "idle" || report.Device != "cuda:0" {
		t.Fatalf("unexpected idle report %+v", report)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Run(context.Background(), stagesvc.Job{TaskID: "t1", InputPath: input})
	}()
	<-started
	report = b.Health(context.Background())
	if report.Ready || report.Status != stage.StatusBusy || report.GuardState != "busy" {
		t.Fatalf("expected busy and not ready in reject mode, got %+v", report)
	}
	_, err := b.Run(context.Background(), stagesvc.Job{TaskID: "t2", InputPath: input})
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient busy rejection, got %v", err)
	}
	close(release)
	<-done
}

func TestCapabilityListsModels(t *testing.T) {
	b, _, _ := newBackend(t, nil, []string{"cuda:0", "cuda:1"}, func(cfg *config.Config) {
		cfg.Transcriber.Models = []string{"base", "large-v3"}
		cfg.Transcriber.Model = "large-v3"
	})
	c := b.Capability(context.Background())
	if c.DefaultModel != "large-v3" || !c.SupportsModel("base") || c.SupportsModel("tiny") {
		t.Fatalf("unexpected models %+v", c)
	}
	if c.Device != "cuda:0,cuda:1" || c.OutputFormat != "txt" {
		t.Fatalf("unexpected capability %+v", c)
	}
}
