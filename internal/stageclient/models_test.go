package stageclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

func TestPullAndDeleteModel(t *testing.T) {
	var pulled, deleted string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/pull":
			var body struct {
				Model string `json:"model"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			pulled = body.Model
			writeJSON(w, http.StatusOK, map[string]string{"status": stage.StatusSuccess, "model": body.Model})
		case r.Method == http.MethodDelete && r.URL.Path == "/models/llama3:8b":
			deleted = "llama3:8b"
			writeJSON(w, http.StatusOK, map[string]string{"status": stage.StatusSuccess})
		default:
			http.NotFound(w, r)
		}
	})

	if err := client.PullModel(context.Background(), " mistral "); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if pulled != "mistral" {
		t.Fatalf("expected trimmed model name, got %q", pulled)
	}
	if err := client.DeleteModel(context.Background(), "llama3:8b"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if deleted != "llama3:8b" {
		t.Fatal("delete endpoint not called")
	}
}

func TestPullModelClassifiesFailure(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, stage.ErrorBody{Status: stage.StatusError, Error: "model not found", ErrorKind: string(services.KindClientInput)})
	})
	err := client.PullModel(context.Background(), "ghost")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if services.KindOf(err) != services.KindClientInput {
		t.Fatalf("expected client_input, got %s", services.KindOf(err))
	}
}
