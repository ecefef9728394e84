package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
)

// State describes what a device is doing.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateBusy    State = "busy"
)

// Mode selects how Acquire behaves while the device is held.
type Mode string

const (
	ModeBlock  Mode = "block"
	ModeReject Mode = "reject"
)

var (
	// ErrBusy is returned in reject mode, or when a blocking wait exceeds the
	// acquire timeout. It classifies as a transient failure.
	ErrBusy = fmt.Errorf("%w: device held by another request", services.ErrBusy)

	// ErrMemoryPressure is what loaders return when the device cannot fit
	// the requested model.
	ErrMemoryPressure = errors.New("insufficient device memory")
)

// Loader moves models in and out of device memory.
type Loader interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

// PressureDetector lets a Loader recognise runtime-specific out-of-memory
// errors that do not wrap ErrMemoryPressure.
type PressureDetector interface {
	IsMemoryPressure(err error) bool
}

// Options configures a Guard.
type Options struct {
	Device         string
	Mode           Mode
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

// Snapshot is a point-in-time view of a Guard.
type Snapshot struct {
	Device    string `json:"device"`
	State     State  `json:"state"`
	Model     string `json:"model,omitempty"`
	Resident  string `json:"resident,omitempty"`
	Holders   int    `json:"holders"`
	Loads     int    `json:"loads"`
	Evictions int    `json:"evictions"`
}

// Guard serialises model loads and inference on one device.
type Guard struct {
	loader  Loader
	device  string
	mode    Mode
	timeout time.Duration
	logger  *slog.Logger

	slot chan struct{}

	mu        sync.Mutex
	state     State
	active    string
	resident  string
	holders   int
	loads     int
	evictions int
}

// New constructs a Guard around loader.
func New(loader Loader, opts Options) *Guard {
	device := strings.TrimSpace(opts.Device)
	if device == "" {
		device = "cpu"
	}
	mode := opts.Mode
	if mode != ModeReject {
		mode = ModeBlock
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Guard{
		loader:  loader,
		device:  device,
		mode:    mode,
		timeout: opts.AcquireTimeout,
		logger:  logger.With(logging.String("device", device)),
		slot:    make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// Device returns the device this guard owns.
func (g *Guard) Device() string {
	return g.device
}

// Acquire takes the device for model, loading it first when another model
// is resident.
func (g *Guard) Acquire(ctx context.Context, model string) (*Lease, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, services.Wrap(services.ErrClientInput, "", "acquire device", "model is required", nil)
	}
	if err := g.take(ctx); err != nil {
		return nil, err
	}
	return g.hold(ctx, model)
}

// tryTake claims the device slot without waiting.
func (g *Guard) tryTake() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// hold turns a claimed slot into a lease, loading model first. The slot is
// given back when loading fails.
func (g *Guard) hold(ctx context.Context, model string) (*Lease, error) {
	if err := g.ensureLoaded(ctx, model); err != nil {
		g.mu.Lock()
		g.state = StateIdle
		g.active = ""
		g.mu.Unlock()
		<-g.slot
		return nil, err
	}

	g.mu.Lock()
	g.state = StateBusy
	g.active = model
	g.holders++
	g.mu.Unlock()
	return &Lease{guard: g, model: model}, nil
}

func (g *Guard) take(ctx context.Context) error {
	if g.mode == ModeReject {
		if g.tryTake() {
			return nil
		}
		return ErrBusy
	}

	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w (waited %s)", ErrBusy, g.timeout)
	}
}

func (g *Guard) ensureLoaded(ctx context.Context, model string) error {
	g.mu.Lock()
	resident := g.resident
	if resident == model {
		g.mu.Unlock()
		return nil
	}
	g.state = StateLoading
	g.active = model
	g.mu.Unlock()

	start := time.Now()
	err := g.loader.Load(ctx, model)
	if err != nil && g.isPressure(err) {
		g.logger.Warn("model load hit memory pressure; evicting resident model",
			logging.String(logging.FieldEventType, "guard_evict"),
			logging.String(logging.FieldModel, model),
			logging.String("resident", resident),
		)
		if resident != "" {
			if unloadErr := g.loader.Unload(ctx, resident); unloadErr != nil {
				return services.Wrap(services.ErrResourceExhausted, "", "unload model", resident, unloadErr)
			}
			g.mu.Lock()
			g.resident = ""
			g.evictions++
			g.mu.Unlock()
		}
		err = g.loader.Load(ctx, model)
		if err != nil && g.isPressure(err) {
			return services.Wrap(services.ErrResourceExhausted, "", "load model", model, err)
		}
	}
	if err != nil {
		return fmt.Errorf("load model %s: %w", model, err)
	}

	g.mu.Lock()
	g.resident = model
	g.loads++
	g.mu.Unlock()
	g.logger.Info("model loaded",
		logging.String(logging.FieldEventType, "guard_load"),
		logging.String(logging.FieldModel, model),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}

func (g *Guard) isPressure(err error) bool {
	if errors.Is(err, ErrMemoryPressure) {
		return true
	}
	if detector, ok := g.loader.(PressureDetector); ok {
		return detector.IsMemoryPressure(err)
	}
	return false
}

func (g *Guard) release() {
	g.mu.Lock()
	g.state = StateIdle
	g.active = ""
	g.holders--
	g.mu.Unlock()
	<-g.slot
}

// Snapshot reports the guard's current state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Device:    g.device,
		State:     g.state,
		Model:     g.active,
		Resident:  g.resident,
		Holders:   g.holders,
		Loads:     g.loads,
		Evictions: g.evictions,
	}
}

// Lease is proof of exclusive device access.
type Lease struct {
	guard *Guard
	model string
	once  sync.Once
}

// Model returns the model loaded for this lease.
func (l *Lease) Model() string {
	return l.model
}

// Device returns the device held by this lease.
func (l *Lease) Device() string {
	return l.guard.device
}

// Release returns the device to idle and keeps the model resident. Extra
// calls are ignored.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.guard.release)
}
