package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultClientTimeout = 30 * time.Second

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("mediaflow api: http %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("mediaflow api: http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the orchestrator.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the orchestrator HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds a client for the API at baseURL ("http://127.0.0.1:7480").
// A bare host:port gets an http scheme. token may be empty.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit creates a task from a path the daemon can read.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &resp)
	return resp.Task, err
}

// Upload creates a task by streaming the local file at path. req.InputPath
// is ignored.
func (c *Client) Upload(ctx context.Context, path string, req SubmitRequest) (Task, error) {
	file, err := os.Open(path)
	if err != nil {
		return Task{}, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(form, file, filepath.Base(path), req))
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/tasks", pr)
	if err != nil {
		_ = pr.Close()
		return Task{}, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	var resp TaskResponse
	err = c.send(httpReq, &resp)
	_ = pr.Close()
	return resp.Task, err
}

func writeUpload(form *multipart.Writer, file io.Reader, name string, req SubmitRequest) error {
	fields := map[string]string{
		"id":       req.ID,
		"pipeline": req.Pipeline,
		"stages":   strings.Join(req.Stages, ","),
	}
	if len(req.Options) > 0 {
		encoded, err := json.Marshal(req.Options)
		if err != nil {
			return err
		}
		fields["options"] = string(encoded)
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := form.WriteField(key, value); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}

// List returns tasks, optionally filtered by status.
func (c *Client) List(ctx context.Context, statuses ...string) ([]Task, error) {
	path := "/api/tasks"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		path += "?" + q.Encode()
	}
	var resp TaskListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Tasks, err
}

// Get returns one task.
func (c *Client) Get(ctx context.Context, id string) (Task, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &resp)
	return resp.Task, err
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Task, err
}

// Download streams the artifact a stage produced for a task into w and
// returns its file name. stageName "source" fetches the input.
func (c *Client) Download(ctx context.Context, id, stageName string, w io.Writer) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/artifacts/"+url.PathEscape(stageName), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediaflow api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", decodeError(resp)
	}
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return name, fmt.Errorf("mediaflow api: read artifact: %w", err)
	}
	return name, nil
}

// Status returns daemon and workflow diagnostics.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var resp DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp)
	return resp, err
}

// Health returns the aggregated stage health. A degraded orchestrator
// answers 503 with the same body, which is decoded rather than treated as
// an error.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return HealthResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("mediaflow api: %w", err)
	}
	defer resp.Body.Close()
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return HealthResponse{}, &APIError{StatusCode: resp.StatusCode, Message: "undecodable health response"}
	}
	return health, nil
}

// LogQuery selects a chunk of the daemon log. A negative Offset asks for the
// last Limit lines. TaskID narrows the log to one task.
type LogQuery struct {
	Offset int64
	Limit  int
	Follow bool
	TaskID string
}

// Logs reads the daemon log. In follow mode the server holds the request
// until new lines arrive or its wait elapses.
func (c *Client) Logs(ctx context.Context, q LogQuery) (LogTailResponse, error) {
	values := url.Values{}
	values.Set("offset", strconv.FormatInt(q.Offset, 10))
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		values.Set("follow", "1")
	}
	if q.TaskID != "" {
		values.Set("task", q.TaskID)
	}
	var resp LogTailResponse
	err := c.do(ctx, http.MethodGet, "/api/logs?"+values.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("mediaflow api: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, target)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, errors.New("mediaflow api: base url is required")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("mediaflow api: new request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mediaflow api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("mediaflow api: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed ErrorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
		apiErr.Kind = parsed.Kind
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
