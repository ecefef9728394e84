package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModelInfo describes a locally available model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

type tagsResult struct {
	Models []ModelInfo `json:"models"`
}

// ListModels returns the models Ollama has pulled.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var result tagsResult
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// HasModel reports whether name is pulled. A bare name matches its
// ":latest" tag.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeModelName(name)
	for _, m := range models {
		if normalizeModelName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

// Pull downloads a model and blocks until it is available.
func (c *Client) Pull(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("llm pull: model required")
	}
	var result struct {
		Status string `json:"status"`
	}
	payload := map[string]any{"model": name, "stream": false}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/pull", payload, &result); err != nil {
		return fmt.Errorf("llm pull %s: %w", name, err)
	}
	if status := strings.TrimSpace(result.Status); status != "" && status != "success" {
		return fmt.Errorf("llm pull %s: unexpected status %q", name, status)
	}
	return nil
}

// Delete removes a pulled model. Unknown models yield ErrModelNotFound.
func (c *Client) Delete(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("llm delete: model required")
	}
	if _, err := c.doJSON(ctx, http.MethodDelete, "/api/delete", map[string]string{"model": name}, nil); err != nil {
		return fmt.Errorf("llm delete %s: %w", name, err)
	}
	return nil
}

// Load asks Ollama to bring model into device memory and keep it resident.
func (c *Client) Load(ctx context.Context, model string) error {
	payload := map[string]any{"model": model, "keep_alive": defaultKeepAlive}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/generate", payload, nil); err != nil {
		return fmt.Errorf("llm load %s: %w", model, err)
	}
	return nil
}

// Unload evicts model from device memory.
func (c *Client) Unload(ctx context.Context, model string) error {
	payload := map[string]any{"model": model, "keep_alive": 0}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/generate", payload, nil); err != nil {
		return fmt.Errorf("llm unload %s: %w", model, err)
	}
	return nil
}

// IsMemoryPressure recognises Ollama and CUDA out-of-memory failures.
func (c *Client) IsMemoryPressure(err error) bool {
	return IsMemoryPressure(err)
}

// IsMemoryPressure recognises Ollama and CUDA out-of-memory failures.
func IsMemoryPressure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"requires more system memory",
		"out of memory",
		"cudamalloc failed",
		"insufficient memory",
		"unable to allocate",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func normalizeModelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}
