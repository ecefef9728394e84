package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mediaflow/internal/services"
)

// PullModel asks a stage service that manages its own models to fetch
// model. Services without model management answer 404 or 405.
func (c *Client) PullModel(ctx context.Context, model string) error {
	encoded, err := json.Marshal(map[string]string{"model": strings.TrimSpace(model)})
	if err != nil {
		return services.Wrap(services.ErrClientInput, c.name.String(), "pull model", "encode request", err)
	}
	return c.manageModel(ctx, http.MethodPost, "/models/pull", bytes.NewReader(encoded), "pull model")
}

// DeleteModel removes model from a stage service's runtime.
func (c *Client) DeleteModel(ctx context.Context, model string) error {
	return c.manageModel(ctx, http.MethodDelete, "/models/"+url.PathEscape(strings.TrimSpace(model)), nil, "delete model")
}

func (c *Client) manageModel(ctx context.Context, method, path string, body io.Reader, op string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, c.name.String(), op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, c.name.String(), op, "stage service unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.statusError(resp, payload)
	}
	return nil
}
