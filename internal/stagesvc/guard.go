package stagesvc

import (
	"log/slog"
	"strings"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/guard"
	"mediaflow/internal/stage"
)

// NewGuardPool builds one guard per device around loader.
func NewGuardPool(loader guard.Loader, devices []string, cfg config.Guard, logger *slog.Logger) (*guard.Pool, error) {
	if len(devices) == 0 {
		devices = []string{"cpu"}
	}
	guards := make([]*guard.Guard, 0, len(devices))
	for _, device := range devices {
		guards = append(guards, guard.New(loader, guard.Options{
			Device:         device,
			Mode:           guard.Mode(strings.ToLower(strings.TrimSpace(cfg.Mode))),
			AcquireTimeout: time.Duration(cfg.AcquireTimeout) * time.Second,
			Logger:         logger,
		}))
	}
	return guard.NewPool(guards...)
}

// GuardHealth fills the device fields of report from pool. A pool whose
// devices are all held answers busy, and in reject mode it is not ready
// because the next call would be refused.
func GuardHealth(report stage.HealthReport, pool *guard.Pool, mode string) stage.HealthReport {
	devices := make([]string, 0, len(pool.Guards()))
	for _, g := range pool.Guards() {
		devices = append(devices, g.Device())
	}
	report.Device = strings.Join(devices, ",")
	state := pool.State()
	report.GuardState = string(state)
	if report.Status == stage.StatusDown {
		return report
	}
	if state == guard.StateBusy {
		report.Status = stage.StatusBusy
		report.Ready = guard.Mode(strings.ToLower(strings.TrimSpace(mode))) != guard.ModeReject
		if !report.Ready {
			report.Detail = "all devices busy"
		}
	}
	return report
}
