package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/services"
	"mediaflow/internal/services/llm"
	"mediaflow/internal/stage"
	"mediaflow/internal/stagesvc"
	"mediaflow/internal/testsupport"
)

// fakeOllama serves the subset of the Ollama API the backend uses.
type fakeOllama struct {
	mu       sync.Mutex
	pulled   map[string]bool
	loaded   []string
	unloaded []string
	chats    []map[string]any
	oomOnce  map[string]bool
	reply    string
}

func newFakeOllama(models ...string) *fakeOllama {
	f := &fakeOllama{pulled: map[string]bool{}, oomOnce: map[string]bool{}, reply: "итог"}
	for _, m := range models {
		f.pulled[m] = true
	}
	return f
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	model, _ := body["model"].(string)
	switch r.URL.Path {
	case "/api/tags":
		var models []map[string]any
		for name := range f.pulled {
			models = append(models, map[string]any{"name": name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	case "/api/generate":
		if !f.pulled[model] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model '` + model + `' not found"}`))
			return
		}
		if keep, ok := body["keep_alive"].(float64); ok && keep == 0 {
			f.unloaded = append(f.unloaded, model)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		if f.oomOnce[model] {
			delete(f.oomOnce, model)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"model requires more system memory (9 GiB) than is available (4 GiB)"}`))
			return
		}
		f.loaded = append(f.loaded, model)
		_, _ = w.Write([]byte(`{}`))
	case "/api/chat":
		f.chats = append(f.chats, body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      model,
			"message":    map[string]string{"role": "assistant", "content": f.reply},
			"done":       true,
			"eval_count": 3,
		})
	case "/api/pull":
		f.pulled[model] = true
		_, _ = w.Write([]byte(`{"status":"success"}`))
	case "/api/delete":
		if !f.pulled[model] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		delete(f.pulled, model)
	default:
		http.NotFound(w, r)
	}
}

func newBackend(t *testing.T, fake *fakeOllama, mutate func(*config.Config)) (*Backend, *artifact.Store) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := testsupport.NewConfig(t)
	cfg.Processor.Model = "llama2"
	cfg.Processor.Device = "cpu"
	cfg.Processor.AutoPull = false
	if mutate != nil {
		mutate(cfg)
	}
	store := testsupport.MustOpenArtifacts(t, cfg)
	client := llm.NewClient(llm.Config{BaseURL: srv.URL, Model: cfg.Processor.Model},
		llm.WithRetryMaxAttempts(1),
		llm.WithSleeper(func(time.Duration) {}),
	)
	b, err := New(cfg, store, client, []string{"cuda:0"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, store
}

func TestRunProcessesArtifact(t *testing.T) {
	fake := newFakeOllama("llama2")
	b, store := newBackend(t, fake, nil)
	input := testsupport.PutArtifact(t, store, "t1", stage.Transcribe, "txt", "Привет мир")
	path, _ := store.Path(input.Name)

	out, err := b.Run(context.Background(), stagesvc.Job{
		TaskID:    "t1",
		InputName: input.Name,
		InputPath: path,
		Options:   stage.Options{Prompt: "Сделай резюме", Instructions: "Кратко"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Output.Name != "t1_processed.txt" || out.Text != "итог" || out.Device != "cuda:0" || out.Model != "llama2" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	data, err := store.ReadAll("t1_processed.txt")
	if err != nil || string(data) != "итог" {
		t.Fatalf("unexpected stored output %q (%v)", data, err)
	}

	if len(fake.chats) != 1 {
		t.Fatalf("expected one chat call, got %d", len(fake.chats))
	}
	messages := fake.chats[0]["messages"].([]any)
	system := messages[0].(map[string]any)["content"].(string)
	user := messages[1].(map[string]any)["content"].(string)
	if !strings.HasSuffix(system, "Инструкции:\nКратко") {
		t.Fatalf("unexpected system prompt %q", system)
	}
	if user != "Данные для обработки:\nПривет мир\n\nЗадача: Сделай резюме" {
		t.Fatalf("unexpected user prompt %q", user)
	}
	opts := fake.chats[0]["options"].(map[string]any)
	if opts["num_ctx"].(float64) != llm.MinContextTokens || opts["num_predict"].(float64) != -1 {
		t.Fatalf("unexpected options %v", opts)
	}
	if len(fake.loaded) != 1 {
		t.Fatalf("expected the model to be loaded once, got %v", fake.loaded)
	}
}

func TestRunInlineTextKeepsModelResident(t *testing.T) {
	fake := newFakeOllama("llama2")
	b, _ := newBackend(t, fake, nil)
	for _, id := range []string{"a", "b"} {
		if _, err := b.Run(context.Background(), stagesvc.Job{TaskID: id, Text: "текст", Options: stage.Options{Prompt: "p"}}); err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
	}
	if len(fake.loaded) != 1 {
		t.Fatalf("resident model must not be reloaded, got %v", fake.loaded)
	}
}

func TestRunEvictsOnMemoryPressure(t *testing.T) {
	fake := newFakeOllama("llama2", "mistral")
	fake.oomOnce["mistral"] = true
	b, _ := newBackend(t, fake, nil)
	if _, err := b.Run(context.Background(), stagesvc.Job{TaskID: "a", Text: "x", Options: stage.Options{Prompt: "p"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := b.Run(context.Background(), stagesvc.Job{TaskID: "b", Text: "x", Options: stage.Options{Prompt: "p", Model: "mistral"}}); err != nil {
		t.Fatalf("Run after eviction: %v", err)
	}
	if len(fake.unloaded) != 1 || fake.unloaded[0] != "llama2" {
		t.Fatalf("expected llama2 to be evicted, got %v", fake.unloaded)
	}
	snap := b.Pool().Snapshots()[0]
	if snap.Resident != "mistral" || snap.Evictions != 1 {
		t.Fatalf("unexpected guard state %+v", snap)
	}
}

func TestRunMissingModel(t *testing.T) {
	fake := newFakeOllama("llama2")
	b, _ := newBackend(t, fake, nil)
	_, err := b.Run(context.Background(), stagesvc.Job{TaskID: "a", Text: "x", Options: stage.Options{Model: "qwen"}})
	if services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected client_input without auto-pull, got %v", err)
	}

	fake = newFakeOllama("llama2")
	b, _ = newBackend(t, fake, func(cfg *config.Config) { cfg.Processor.AutoPull = true })
	if _, err := b.Run(context.Background(), stagesvc.Job{TaskID: "a", Text: "x", Options: stage.Options{Model: "qwen"}}); err != nil {
		t.Fatalf("Run with auto-pull: %v", err)
	}
	if !fake.pulled["qwen"] {
		t.Fatal("expected qwen to be pulled")
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	b, _ := newBackend(t, newFakeOllama("llama2"), nil)
	_, err := b.Run(context.Background(), stagesvc.Job{TaskID: "a", Text: "  "})
	if services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected client_input, got %v", err)
	}
}

func TestModelManagement(t *testing.T) {
	fake := newFakeOllama("llama2")
	b, _ := newBackend(t, fake, nil)
	ctx := context.Background()
	if err := b.PullModel(ctx, "mistral"); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	c := b.Capability(ctx)
	if !c.SupportsModel("mistral") || !c.SupportsModel("llama2") || c.SupportsModel("qwen") {
		t.Fatalf("capability should list pulled models, got %+v", c.Models)
	}
	if err := b.DeleteModel(ctx, "mistral"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	err := b.DeleteModel(ctx, "mistral")
	if services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected not found for a second delete, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	b, _ := newBackend(t, newFakeOllama("llama2"), nil)
	report := b.Health(context.Background())
	if !report.Ready || report.Device != "cuda:0" || report.Model != "llama2" {
		t.Fatalf("unexpected report %+v", report)
	}

	down := llm.NewClient(llm.Config{BaseURL: "http://127.0.0.1:1", Model: "llama2"}, llm.WithRetryMaxAttempts(1))
	cfg := testsupport.NewConfig(t)
	b, err := New(cfg, testsupport.MustOpenArtifacts(t, cfg), down, []string{"cpu"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if report := b.Health(context.Background()); report.Ready || report.Status != stage.StatusDown {
		t.Fatalf("expected unhealthy report, got %+v", report)
	}
}
