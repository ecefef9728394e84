package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

func newClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(stage.Transcribe, server.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestInvokeSuccess(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transcribe" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req stage.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.InputRef != "t1_audio.wav" || req.Options.Model != "small" {
			t.Errorf("unexpected request %+v", req)
		}
		writeJSON(w, http.StatusOK, stage.Result{
			Status:         stage.StatusSuccess,
			TaskID:         req.TaskID,
			Output:         stage.Output{Name: "t1_transcription.txt", Size: 12},
			ProcessingTime: 1.5,
			Model:          "small",
		})
	})

	result, err := client.Invoke(context.Background(), stage.Request{
		TaskID:   "t1",
		InputRef: "t1_audio.wav",
		Options:  stage.Options{Model: "small"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Output.Name != "t1_transcription.txt" || result.Stage != stage.Transcribe || result.Model != "small" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInvokeRejectsMalformedResult(t *testing.T) {
	cases := map[string]any{
		"missing output":    map[string]any{"status": "success", "task_id": "t1", "processing_time": 1},
		"path in name":      map[string]any{"status": "success", "task_id": "t1", "processing_time": 1, "output": map[string]any{"name": "../etc/passwd"}},
		"wrong status":      map[string]any{"status": "error", "task_id": "t1", "processing_time": 1, "output": map[string]any{"name": "x"}},
		"negative duration": map[string]any{"status": "success", "task_id": "t1", "processing_time": -1, "output": map[string]any{"name": "x"}},
		"other task":        map[string]any{"status": "success", "task_id": "t9", "processing_time": 1, "output": map[string]any{"name": "x"}},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, payload)
			})
			_, err := client.Invoke(context.Background(), stage.Request{TaskID: "t1"})
			if services.KindOf(err) != services.KindFatal {
				t.Fatalf("expected fatal, got %v (%s)", err, services.KindOf(err))
			}
		})
	}
}

func TestInvokeClassifiesStatus(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		kind       string
		retryAfter string
		want       services.Kind
		wantDelay  time.Duration
	}{
		{"bad request", http.StatusBadRequest, "client_input", "", services.KindClientInput, 0},
		{"unsupported media", http.StatusUnsupportedMediaType, "", "", services.KindClientInput, 0},
		{"request timeout", http.StatusRequestTimeout, "", "", services.KindTransient, 0},
		{"too many requests", http.StatusTooManyRequests, "", "2", services.KindTransient, 2 * time.Second},
		{"busy", http.StatusServiceUnavailable, "busy", "1", services.KindTransient, time.Second},
		{"retry after capped", http.StatusServiceUnavailable, "busy", "3600", services.KindTransient, 5 * time.Second},
		{"bad gateway", http.StatusBadGateway, "", "", services.KindTransient, 0},
		{"exhausted", http.StatusInsufficientStorage, "resource_exhausted", "", services.KindResourceExhausted, 0},
		{"exhausted 503", http.StatusServiceUnavailable, "resource_exhausted", "", services.KindResourceExhausted, 0},
		{"fatal", http.StatusInternalServerError, "fatal", "", services.KindFatal, 0},
		{"plain 500", http.StatusInternalServerError, "", "", services.KindTransient, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				writeJSON(w, tc.status, stage.ErrorBody{Status: stage.StatusError, Error: "nope", ErrorKind: tc.kind})
			}, WithMaxRetryAfter(5*time.Second))

			_, err := client.Invoke(context.Background(), stage.Request{TaskID: "t1"})
			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("expected StatusError, got %T %v", err, err)
			}
			if got := services.KindOf(err); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
			delay, _ := RetryAfter(err)
			if delay != tc.wantDelay {
				t.Fatalf("retry after = %s, want %s", delay, tc.wantDelay)
			}
		})
	}
}

func TestInvokeUnreachableAndTimeoutAreTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	client, err := New(stage.Convert, url)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Invoke(context.Background(), stage.Request{TaskID: "t1"}); !services.Retryable(err) {
		t.Fatalf("unreachable service must be retryable, got %v", err)
	}

	release := make(chan struct{})
	slow := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithCallTimeout(20*time.Millisecond))
	defer close(release)
	_, err = slow.Invoke(context.Background(), stage.Request{TaskID: "t1"})
	if !errors.Is(err, services.ErrTimeout) || services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, stage.HealthReport{Status: stage.StatusHealthy, Service: stage.Transcribe, Ready: ready.Load(), Device: "cuda", Model: "base"})
	})

	report, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if report.Device != "cuda" || report.Model != "base" {
		t.Fatalf("unexpected report %+v", report)
	}

	ready.Store(false)
	if _, err := client.Health(context.Background()); services.KindOf(err) != services.KindTransient {
		t.Fatalf("not ready must be transient, got %v", err)
	}
}

func TestHealthAcceptsReportsWithoutReadyField(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantReady bool
	}{
		{"healthy", `{"status":"healthy","service":"transcription","device":"cuda","model_size":"base"}`, true},
		{"empty body", ``, true},
		{"busy", `{"status":"busy","service":"transcription"}`, false},
		{"unhealthy", `{"status":"unhealthy"}`, false},
		{"explicit false", `{"status":"healthy","ready":false}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})
			report, err := client.Health(context.Background())
			if tc.wantReady {
				if err != nil {
					t.Fatalf("Health: %v", err)
				}
				if !report.Ready {
					t.Fatalf("expected ready report, got %+v", report)
				}
				return
			}
			if services.KindOf(err) != services.KindTransient {
				t.Fatalf("expected transient not-ready error, got %v", err)
			}
		})
	}

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","device":"cuda","model_size":"base"}`))
	})
	report, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if report.Model != "base" || report.Device != "cuda" || report.Service != stage.Transcribe {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHealthUnavailableUsesReportDetail(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, stage.HealthReport{
			Status: stage.StatusBusy, Service: stage.Transcribe, Detail: "all devices busy",
		})
	})
	_, err := client.Health(context.Background())
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
	if got := err.Error(); !strings.HasSuffix(got, ": all devices busy") || strings.Contains(got, "{") {
		t.Fatalf("expected detail as message, got %q", got)
	}

	bare := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "busy", "ready": false})
	})
	_, err = bare.Health(context.Background())
	if err == nil || !strings.HasSuffix(err.Error(), ": stage service busy") {
		t.Fatalf("expected status as message, got %v", err)
	}
}

func TestCapabilitiesNormalizes(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"input_formats": []string{".WAV", "mp3"},
			"output_format": ".TXT",
			"models":        []string{"base"},
		})
	})
	capability, err := client.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if capability.Stage != stage.Transcribe || !capability.Accepts("wav") || capability.OutputFormat != "txt" {
		t.Fatalf("unexpected capability %+v", capability)
	}
}

func TestDownload(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/t1_transcription.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello"))
	})
	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "t1_transcription.txt", &buf)
	if err != nil || n != 5 || buf.String() != "hello" {
		t.Fatalf("Download = %d %q %v", n, buf.String(), err)
	}
	if _, err := client.Download(context.Background(), "missing.txt", &buf); services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected client input error, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStageURL("process", "http://127.0.0.1:9999/"))
	client, err := NewFromConfig(cfg, stage.Process)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if client.BaseURL() != "http://127.0.0.1:9999" || client.callTimeout != cfg.StageTimeout("process") {
		t.Fatalf("unexpected client %+v", client)
	}
	cfg.Stages.Convert.URL = ""
	if _, err := NewFromConfig(cfg, stage.Convert); services.KindOf(err) != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
