package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/stage"
	"mediaflow/internal/task"
)

// GetStatus returns the committed state of a task. It never waits for
// in-flight work.
func (m *Manager) GetStatus(ctx context.Context, id string) (*task.Task, error) {
	return m.store.Get(ctx, id)
}

// List returns tasks, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	return m.store.List(ctx, statuses...)
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:    m.running,
		Workers:    m.workers,
		Queued:     len(m.queued),
		LastTaskID: m.lastTask,
		CheckedAt:  time.Now().UTC(),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	for id := range m.inflight {
		summary.InFlight = append(summary.InFlight, id)
	}
	m.mu.RUnlock()
	sort.Strings(summary.InFlight)

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read task stats", logging.Error(err))
	}
	summary.TaskStats = stats

	reports := m.StageHealth(ctx)
	summary.StageHealth = make(map[stage.Name]stage.Health, len(reports))
	for name, report := range reports {
		if report.Ready {
			summary.StageHealth[name] = stage.Healthy(name)
		} else {
			summary.StageHealth[name] = stage.Unhealthy(name, report.Detail)
		}
	}
	return summary
}

// StageHealth probes every stage service concurrently.
func (m *Manager) StageHealth(ctx context.Context) map[stage.Name]stage.HealthReport {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reports = make(map[stage.Name]stage.HealthReport, len(m.clients))
	)
	for name, client := range m.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := client.Health(ctx)
			if err != nil {
				report.Ready = false
				report.Detail = strings.TrimSpace(err.Error())
				if report.Status == "" || report.Status == stage.StatusHealthy {
					report.Status = stage.StatusDown
				}
			}
			if report.Service == "" {
				report.Service = name
			}
			mu.Lock()
			reports[name] = report
			mu.Unlock()
		}()
	}
	wg.Wait()
	return reports
}
