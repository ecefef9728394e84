package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediaflow/internal/artifact"
	"mediaflow/internal/capcache"
	"mediaflow/internal/config"
	"mediaflow/internal/events"
	"mediaflow/internal/logging"
	"mediaflow/internal/notifications"
	"mediaflow/internal/pipelines"
	"mediaflow/internal/stage"
	"mediaflow/internal/stageclient"
	"mediaflow/internal/task"
)

const defaultRecoverInterval = 5 * time.Second

// Manager coordinates task execution across the stage services.
type Manager struct {
	cfg       *config.Config
	store     *task.Store
	artifacts *artifact.Store
	logger    *slog.Logger

	clients   map[stage.Name]StageClient
	resolver  *capcache.Resolver
	catalog   *pipelines.Catalog
	notifier  notifications.Service
	publisher events.Publisher
	retry     RetryPolicy
	sleep     Sleeper

	workers         int
	queue           chan string
	recoverInterval time.Duration

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	lastTask string
	queued   map[string]struct{}
	inflight map[string]context.CancelFunc
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithClients replaces the stage clients built from configuration.
func WithClients(clients ...StageClient) Option {
	return func(m *Manager) {
		for _, c := range clients {
			if c != nil {
				m.clients[c.Name()] = c
			}
		}
	}
}

// WithNotifier sets the push notification service.
func WithNotifier(n notifications.Service) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithResolver sets the capability resolver, typically one backed by the
// on-disk capability cache.
func WithResolver(r *capcache.Resolver) Option {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithCatalog sets the pipeline presets available to Submit.
func WithCatalog(c *pipelines.Catalog) Option {
	return func(m *Manager) {
		if c != nil {
			m.catalog = c
		}
	}
}

// WithSleeper replaces the backoff sleeper (used in tests).
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleep = s
		}
	}
}

// WithRecoverInterval sets how often the manager sweeps the store for
// active tasks that are not queued.
func WithRecoverInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.recoverInterval = d
		}
	}
}

// NewManager constructs a workflow manager. Stage clients are built from the
// [stages] section unless WithClients supplies them.
func NewManager(cfg *config.Config, store *task.Store, artifacts *artifact.Store, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("workflow: config is required")
	}
	if store == nil || artifacts == nil {
		return nil, errors.New("workflow: task store and artifact store are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "workflow-manager")

	m := &Manager{
		cfg:             cfg,
		store:           store,
		artifacts:       artifacts,
		logger:          logger,
		clients:         make(map[stage.Name]StageClient, len(stage.All())),
		catalog:         pipelines.Builtin(),
		notifier:        notifications.NewService(cfg),
		publisher:       events.Nop{},
		retry:           RetryPolicyFromConfig(cfg),
		sleep:           sleepContext,
		workers:         max(cfg.Workflow.WorkerCount, 1),
		recoverInterval: defaultRecoverInterval,
		queued:          make(map[string]struct{}),
		inflight:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = capcache.NewResolver(nil, logger)
	}
	for _, name := range stage.All() {
		if _, ok := m.clients[name]; ok {
			continue
		}
		client, err := stageclient.NewFromConfig(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("stage client %s: %w", name, err)
		}
		m.clients[name] = client
	}
	m.queue = make(chan string, max(cfg.Workflow.QueueSize, 1))
	return m, nil
}

// Artifacts exposes the artifact store the manager writes to.
func (m *Manager) Artifacts() *artifact.Store {
	return m.artifacts
}

// Catalog exposes the pipeline presets accepted by Submit.
func (m *Manager) Catalog() *pipelines.Catalog {
	return m.catalog
}

func (m *Manager) client(name stage.Name) (StageClient, bool) {
	c, ok := m.clients[name]
	return c, ok
}
