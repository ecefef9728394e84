package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediaflow/internal/config"
)

const userAgent = "mediaflow/0.1"

// Event names a notification-worthy task milestone.
type Event string

const (
	EventTaskCompleted Event = "task_completed"
	EventTaskFailed    Event = "task_failed"
	EventTaskCancelled Event = "task_cancelled"
	EventStageDegraded Event = "stage_degraded"
	EventTest          Event = "test"
)

// Payload carries event fields. Known keys: taskID, stages, stage, kind,
// attempts, error, artifact, model, duration.
type Payload map[string]any

// Service delivers task events to the configured notifier.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventTaskCompleted: cfg.Notifications.TaskCompleted,
			EventTaskFailed:    cfg.Notifications.TaskFailed,
			EventTaskCancelled: cfg.Notifications.TaskCancelled,
			EventStageDegraded: cfg.Notifications.TaskFailed,
			EventTest:          true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, payload Payload) (message, bool) {
	taskID := payload.text("taskID")
	switch event {
	case EventTaskCompleted:
		body := fmt.Sprintf("✅ Task %s complete", taskID)
		if stages := payload.text("stages"); stages != "" {
			body += " (" + stages + ")"
		}
		if artifact := payload.text("artifact"); artifact != "" {
			body += "\nOutput: " + artifact
		}
		if d := payload.duration("duration"); d > 0 {
			body += "\nTook " + d.Round(time.Second).String()
		}
		return message{
			title: "mediaflow - Task Complete",
			body:  body,
			tags:  []string{"mediaflow", "task", "completed"},
		}, true
	case EventTaskFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "❌ Task %s failed", taskID)
		if stage := payload.text("stage"); stage != "" {
			fmt.Fprintf(&b, " at %s", stage)
		}
		if kind := payload.text("kind"); kind != "" {
			attempts := payload.text("attempts")
			if attempts == "" {
				attempts = "?"
			}
			fmt.Fprintf(&b, " (%s, %s attempts)", kind, attempts)
		}
		if errText := payload.text("error"); errText != "" {
			b.WriteString(": ")
			b.WriteString(errText)
		}
		return message{
			title:    "mediaflow - Task Failed",
			body:     b.String(),
			tags:     []string{"mediaflow", "task", "failed"},
			priority: "high",
		}, true
	case EventTaskCancelled:
		return message{
			title: "mediaflow - Task Cancelled",
			body:  fmt.Sprintf("Task %s cancelled", taskID),
			tags:  []string{"mediaflow", "task", "cancelled"},
		}, true
	case EventStageDegraded:
		return message{
			title: "mediaflow - Degraded Model",
			body: fmt.Sprintf("Task %s: %s ran with fallback model %s after resource exhaustion",
				taskID, payload.text("stage"), payload.text("model")),
			tags: []string{"mediaflow", "stage", "degraded"},
		}, true
	case EventTest:
		return message{
			title:    "mediaflow - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"mediaflow", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case []string:
		return strings.Join(v, " → ")
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) duration(key string) time.Duration {
	if d, ok := p[key].(time.Duration); ok {
		return d
	}
	return 0
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
