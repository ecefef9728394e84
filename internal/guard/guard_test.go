package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaflow/internal/services"
)

type fakeLoader struct {
	mu        sync.Mutex
	loads     []string
	unloads   []string
	pressure  map[string]int
	loadDelay time.Duration
}

func (f *fakeLoader) Load(_ context.Context, model string) error {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, model)
	if f.pressure[model] > 0 {
		f.pressure[model]--
		return ErrMemoryPressure
	}
	return nil
}

func (f *fakeLoader) Unload(_ context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, model)
	return nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func TestAcquireLoadsOnceAndKeepsModelWarm(t *testing.T) {
	loader := &fakeLoader{}
	g := New(loader, Options{Device: "cuda:0"})

	for range 3 {
		lease, err := g.Acquire(context.Background(), "base")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if snap := g.Snapshot(); snap.State != StateBusy || snap.Model != "base" || snap.Holders != 1 {
			t.Fatalf("unexpected snapshot while held: %+v", snap)
		}
		lease.Release()
		lease.Release()
	}

	if loader.loadCount() != 1 {
		t.Fatalf("expected a single load, got %v", loader.loads)
	}
	snap := g.Snapshot()
	if snap.State != StateIdle || snap.Resident != "base" || snap.Holders != 0 {
		t.Fatalf("unexpected snapshot after release: %+v", snap)
	}
}

func TestAcquireSwitchesModel(t *testing.T) {
	loader := &fakeLoader{}
	g := New(loader, Options{})

	lease, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	lease, err = g.Acquire(context.Background(), "large-v3")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	if strings.Join(loader.loads, ",") != "base,large-v3" {
		t.Fatalf("unexpected loads %v", loader.loads)
	}
	if len(loader.unloads) != 0 {
		t.Fatalf("no eviction expected without memory pressure, got %v", loader.unloads)
	}
	if g.Snapshot().Loads != 2 {
		t.Fatalf("expected 2 loads, got %+v", g.Snapshot())
	}
}

func TestMemoryPressureEvictsResidentModel(t *testing.T) {
	loader := &fakeLoader{pressure: map[string]int{"large-v3": 1}}
	g := New(loader, Options{})

	lease, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	lease, err = g.Acquire(context.Background(), "large-v3")
	if err != nil {
		t.Fatalf("expected load to succeed after eviction: %v", err)
	}
	lease.Release()

	if len(loader.unloads) != 1 || loader.unloads[0] != "base" {
		t.Fatalf("expected base evicted, got %v", loader.unloads)
	}
	snap := g.Snapshot()
	if snap.Evictions != 1 || snap.Resident != "large-v3" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRepeatedMemoryPressureIsResourceExhausted(t *testing.T) {
	loader := &fakeLoader{pressure: map[string]int{"large-v3": 2}}
	g := New(loader, Options{})

	_, err := g.Acquire(context.Background(), "large-v3")
	if !errors.Is(err, services.ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if services.KindOf(err) != services.KindResourceExhausted {
		t.Fatalf("unexpected kind %s", services.KindOf(err))
	}
	if snap := g.Snapshot(); snap.State != StateIdle || snap.Holders != 0 {
		t.Fatalf("failed acquire must leave the device idle: %+v", snap)
	}
	lease, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatalf("device should be available after failed load: %v", err)
	}
	lease.Release()
}

func TestRejectModeReturnsBusy(t *testing.T) {
	g := New(&fakeLoader{}, Options{Mode: ModeReject})
	lease, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	_, err = g.Acquire(context.Background(), "base")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !services.Retryable(err) || services.KindOf(err) != services.KindTransient {
		t.Fatalf("busy must be transient, got %s", services.KindOf(err))
	}
}

func TestBlockModeHonoursTimeoutAndContext(t *testing.T) {
	g := New(&fakeLoader{}, Options{AcquireTimeout: 20 * time.Millisecond})
	lease, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Acquire(context.Background(), "base"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after timeout, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Acquire(ctx, "base"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	lease.Release()
	second, err := g.Acquire(context.Background(), "base")
	if err != nil {
		t.Fatalf("expected device after release: %v", err)
	}
	second.Release()
}

func TestMutualExclusion(t *testing.T) {
	loader := &fakeLoader{loadDelay: time.Millisecond}
	g := New(loader, Options{})

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	models := []string{"base", "small", "medium"}
	for i := range 24 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := g.Acquire(context.Background(), models[i%len(models)])
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			if snap := g.Snapshot(); snap.Holders != 1 {
				t.Errorf("expected one holder, got %d", snap.Holders)
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("observed %d concurrent holders", maxSeen.Load())
	}
}

func TestPoolPrefersResidentIdleDevice(t *testing.T) {
	gpu0 := New(&fakeLoader{}, Options{Device: "cuda:0", Mode: ModeReject})
	gpu1 := New(&fakeLoader{}, Options{Device: "cuda:1", Mode: ModeReject})
	pool, err := NewPool(gpu0, gpu1)
	if err != nil {
		t.Fatal(err)
	}

	warm, err := gpu1.Acquire(context.Background(), "large-v3")
	if err != nil {
		t.Fatal(err)
	}
	warm.Release()

	lease, err := pool.Acquire(context.Background(), "large-v3")
	if err != nil {
		t.Fatal(err)
	}
	if lease.Device() != "cuda:1" {
		t.Fatalf("expected resident device cuda:1, got %s", lease.Device())
	}

	other, err := pool.Acquire(context.Background(), "large-v3")
	if err != nil {
		t.Fatal(err)
	}
	if other.Device() != "cuda:0" {
		t.Fatalf("expected idle device cuda:0, got %s", other.Device())
	}

	busyCount := 0
	for _, snap := range pool.Snapshots() {
		if snap.State == StateBusy {
			busyCount++
			if snap.Holders != 1 {
				t.Fatalf("device %s has %d holders", snap.Device, snap.Holders)
			}
		}
	}
	if busyCount != 2 || pool.State() != StateBusy {
		t.Fatalf("expected both devices busy, got %d (%s)", busyCount, pool.State())
	}

	if _, err := pool.Acquire(context.Background(), "base"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from a saturated pool, got %v", err)
	}
	lease.Release()
	other.Release()
	if pool.State() != StateIdle {
		t.Fatalf("expected idle pool, got %s", pool.State())
	}
}

func TestPoolConcurrentAcquireSpreadsAcrossDevices(t *testing.T) {
	for range 20 {
		loader := &fakeLoader{loadDelay: 5 * time.Millisecond}
		pool, err := NewPool(
			New(loader, Options{Device: "cuda:0", Mode: ModeReject}),
			New(loader, Options{Device: "cuda:1", Mode: ModeReject}),
		)
		if err != nil {
			t.Fatal(err)
		}

		var (
			start   = make(chan struct{})
			wg      sync.WaitGroup
			mu      sync.Mutex
			devices = map[string]int{}
			leases  []*Lease
			errs    []error
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				lease, err := pool.Acquire(context.Background(), "base")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				devices[lease.Device()]++
				leases = append(leases, lease)
			}()
		}
		close(start)
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("concurrent acquire failed with a free device available: %v", errs)
		}
		if devices["cuda:0"] != 1 || devices["cuda:1"] != 1 {
			t.Fatalf("expected one lease per device, got %v", devices)
		}
		for _, lease := range leases {
			lease.Release()
		}
	}
}

func TestNewPoolRejectsDuplicates(t *testing.T) {
	if _, err := NewPool(); err == nil {
		t.Fatal("expected error for empty pool")
	}
	a := New(&fakeLoader{}, Options{Device: "cuda:0"})
	b := New(&fakeLoader{}, Options{Device: "cuda:0"})
	if _, err := NewPool(a, b); err == nil {
		t.Fatal("expected duplicate device error")
	}
	if got := ParseDevices(" cuda:0, ,cuda:1 "); len(got) != 2 || got[1] != "cuda:1" {
		t.Fatalf("unexpected devices %v", got)
	}
}
