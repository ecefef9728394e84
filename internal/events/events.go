package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
)

// Type names a lifecycle event.
type Type string

const (
	TaskSubmitted  Type = "task_submitted"
	TaskStatus     Type = "task_status"
	StageStarted   Type = "stage_started"
	StageSucceeded Type = "stage_succeeded"
	StageFailed    Type = "stage_failed"
	StageRetrying  Type = "stage_retrying"
)

// Event is the JSON message published for a task or stage change.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject returns the NATS subject for e under prefix:
// <prefix>.tasks.<status> for task events and
// <prefix>.stages.<stage>.<type> for stage events.
func Subject(prefix string, e Event) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "mediaflow"
	}
	switch e.Type {
	case TaskSubmitted:
		return prefix + ".tasks.submitted"
	case TaskStatus:
		return prefix + ".tasks." + token(e.Status)
	default:
		return prefix + ".stages." + token(e.Stage) + "." + token(strings.TrimPrefix(string(e.Type), "stage_"))
	}
}

func token(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(value)
}

// Publisher emits lifecycle events. Publishing is best effort; callers log
// errors and continue.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes events as JSON over a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	once   sync.Once
}

// Connect dials url and returns a publisher for subjects under prefix.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("mediaflowd"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected",
					logging.Error(err),
					logging.String(logging.FieldEventType, "events_disconnected"),
					logging.String(logging.FieldErrorHint, "check the NATS server; events are dropped until it reconnects"),
				)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", logging.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// NewFromConfig returns a NATS publisher when events.nats_url is set and a
// Nop publisher otherwise.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (Publisher, error) {
	if cfg == nil || strings.TrimSpace(cfg.Events.NATSURL) == "" {
		return Nop{}, nil
	}
	pub, err := Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Publish encodes e and publishes it on its subject.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := Subject(p.prefix, e)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.conn.Drain()
	})
	return err
}
