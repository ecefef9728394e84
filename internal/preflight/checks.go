package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"mediaflow/internal/config"
	"mediaflow/internal/services/llm"
	"mediaflow/internal/stage"
)

// CheckOllama verifies that the Ollama runtime is reachable and, unless
// auto-pull is enabled, that the default model is pulled.
// It uses a 30-second timeout and a single attempt (no retries).
func CheckOllama(ctx context.Context, cfg config.Processor) Result {
	const name = "Ollama"
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Name: name, Detail: "base url missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := llm.NewClient(llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}, llm.WithRetryMaxAttempts(1))

	has, err := client.HasModel(checkCtx, cfg.Model)
	if err != nil {
		return Result{Name: name, Detail: summarizeLLMError(err)}
	}
	if !has && !cfg.AutoPull {
		return Result{Name: name, Detail: fmt.Sprintf("model %q not pulled (auto_pull disabled)", cfg.Model)}
	}
	return Result{Name: name, Passed: true, Detail: "runtime reachable"}
}

// CheckStageEndpoint probes GET {baseURL}/health of a stage service.
func CheckStageEndpoint(ctx context.Context, name stage.Name, baseURL string) Result {
	label := name.Label() + " service"

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: label, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return Result{Name: label, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: label, Detail: fmt.Sprintf("unreachable (%v)", err)}
	}
	defer resp.Body.Close()

	var report stage.HealthReport
	_ = json.NewDecoder(resp.Body).Decode(&report)
	switch {
	case resp.StatusCode == http.StatusOK:
		detail := "Reachable"
		if report.Device != "" {
			detail = fmt.Sprintf("Reachable (%s)", report.Device)
		}
		return Result{Name: label, Passed: true, Detail: detail}
	case report.Detail != "":
		return Result{Name: label, Detail: fmt.Sprintf("not ready: %s", report.Detail)}
	default:
		return Result{Name: label, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// summarizeLLMError produces a human-readable summary for runtime health check failures.
func summarizeLLMError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (Ollama unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (Ollama unreachable)"
	}
	return err.Error()
}
