package stageclient

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mediaflow/internal/config"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

//go:embed result.schema.json
var resultSchemaJSON string

const (
	defaultCallTimeout   = 300 * time.Second
	defaultHealthTimeout = 10 * time.Second
	defaultMaxRetryAfter = 30 * time.Second
	maxErrorBody         = 64 << 10
	maxResultBody        = 16 << 20
)

var resultSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.schema.json", strings.NewReader(resultSchemaJSON)); err != nil {
		panic(fmt.Sprintf("stageclient: add schema: %v", err))
	}
	schema, err := compiler.Compile("result.schema.json")
	if err != nil {
		panic(fmt.Sprintf("stageclient: compile schema: %v", err))
	}
	return schema
}

// Client speaks the stage service call protocol for one stage.
type Client struct {
	name          stage.Name
	baseURL       string
	httpClient    *http.Client
	callTimeout   time.Duration
	healthTimeout time.Duration
	maxRetryAfter time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCallTimeout bounds each Invoke.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithHealthTimeout bounds each Health probe.
func WithHealthTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.healthTimeout = timeout
		}
	}
}

// WithMaxRetryAfter caps the Retry-After value reported in errors.
func WithMaxRetryAfter(limit time.Duration) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxRetryAfter = limit
		}
	}
}

// New constructs a client for the stage service at baseURL.
func New(name stage.Name, baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, name.String(), "client", "stage service url is empty", nil)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, name.String(), "client", "invalid stage service url", err)
	}
	client := &Client{
		name:          name,
		baseURL:       baseURL,
		httpClient:    &http.Client{},
		callTimeout:   defaultCallTimeout,
		healthTimeout: defaultHealthTimeout,
		maxRetryAfter: defaultMaxRetryAfter,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewFromConfig builds a client from the [stages] and [workflow] sections.
func NewFromConfig(cfg *config.Config, name stage.Name, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("stageclient: config is nil")
	}
	endpoint, ok := cfg.StageEndpoint(name.String())
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, name.String(), "client", "no stage service configured", nil)
	}
	_, maxDelay := cfg.RetryBackoff()
	base := []Option{
		WithCallTimeout(cfg.StageTimeout(name.String())),
		WithHealthTimeout(cfg.HealthTimeout()),
		WithMaxRetryAfter(maxDelay),
	}
	return New(name, endpoint.URL, append(base, opts...)...)
}

// Name returns the stage this client targets.
func (c *Client) Name() stage.Name {
	return c.name
}

// BaseURL returns the stage service root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes GET /health. An unreachable service, or one that reports
// not ready, is a transient error.
func (c *Client) Health(ctx context.Context) (stage.HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var report stage.HealthReport
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return report, services.Wrap(services.ErrTransient, c.name.String(), "health", "stage service unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	decoded := len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &report) == nil
	if resp.StatusCode >= http.StatusMultipleChoices {
		return report, c.statusError(resp, body)
	}
	if !decoded {
		// Any 2xx without a report body counts as alive.
		report = stage.HealthReport{Status: stage.StatusHealthy, Ready: true}
	}
	if report.Service == "" {
		report.Service = c.name
	}
	if !report.Ready {
		detail := strings.TrimSpace(report.Detail)
		if detail == "" {
			detail = "stage service not ready"
		}
		return report, services.Wrap(services.ErrTransient, c.name.String(), "health", detail, nil)
	}
	return report, nil
}

// Capabilities fetches the capability descriptor from GET /formats.
func (c *Client) Capabilities(ctx context.Context) (stage.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var capability stage.Capability
	resp, err := c.get(ctx, "/formats")
	if err != nil {
		return capability, services.Wrap(services.ErrTransient, c.name.String(), "capabilities", "stage service unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return capability, services.Wrap(services.ErrTransient, c.name.String(), "capabilities", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return capability, c.statusError(resp, body)
	}
	if err := json.Unmarshal(body, &capability); err != nil {
		return capability, services.Wrap(services.ErrFatal, c.name.String(), "capabilities", "decode descriptor", err)
	}
	return capability.Normalize(c.name), nil
}

// Invoke POSTs req to the stage endpoint and classifies the reply.
func (c *Client) Invoke(ctx context.Context, req stage.Request) (stage.Result, error) {
	var result stage.Result
	encoded, err := json.Marshal(req)
	if err != nil {
		return result, services.Wrap(services.ErrClientInput, c.name.String(), "invoke", "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.name.Path(), bytes.NewReader(encoded))
	if err != nil {
		return result, services.Wrap(services.ErrConfiguration, c.name.String(), "invoke", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if id, ok := services.RequestIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Request-Id", id)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, services.Wrap(services.ErrTimeout, c.name.String(), "invoke", fmt.Sprintf("no reply within %s", c.callTimeout), err)
		}
		return result, services.Wrap(services.ErrTransient, c.name.String(), "invoke", "stage service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return result, c.statusError(resp, body)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return result, services.Wrap(services.ErrTransient, c.name.String(), "invoke", "read body", err)
	}
	if err := validateResult(body); err != nil {
		return result, services.Wrap(services.ErrFatal, c.name.String(), "invoke", "malformed result", err)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, services.Wrap(services.ErrFatal, c.name.String(), "invoke", "decode result", err)
	}
	if result.TaskID != req.TaskID {
		return result, services.Wrap(services.ErrFatal, c.name.String(), "invoke",
			fmt.Sprintf("result for task %q, expected %q", result.TaskID, req.TaskID), nil)
	}
	if result.Stage == "" {
		result.Stage = c.name
	}
	return result, nil
}

// Download streams GET /download/{filename} into w.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, "/download/"+url.PathEscape(filename))
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, c.name.String(), "download", "stage service unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, c.statusError(resp, body)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, services.Wrap(services.ErrTransient, c.name.String(), "download", "copy body", err)
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func (c *Client) statusError(resp *http.Response, body []byte) error {
	var payload struct {
		stage.ErrorBody
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(body, &payload)
	message := strings.TrimSpace(payload.Error)
	if message == "" {
		message = strings.TrimSpace(payload.Detail)
	}
	if message == "" && payload.Status != "" {
		message = "stage service " + strings.TrimSpace(payload.Status)
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
	if retryAfter > c.maxRetryAfter {
		retryAfter = c.maxRetryAfter
	}
	return &StatusError{
		Stage:      c.name.String(),
		StatusCode: resp.StatusCode,
		Kind:       classifyStatus(resp.StatusCode, payload.ErrorKind),
		Message:    message,
		RetryAfter: retryAfter,
	}
}

func validateResult(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	if err := resultSchema.Validate(doc); err != nil {
		return fmt.Errorf("result does not match schema: %w", err)
	}
	return nil
}
