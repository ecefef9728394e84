package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Pool holds one Guard per device. A single Acquire call picks exactly one
// device and never holds leases on two.
type Pool struct {
	guards []*Guard
}

// NewPool builds a pool over the provided guards in preference order.
func NewPool(guards ...*Guard) (*Pool, error) {
	if len(guards) == 0 {
		return nil, errors.New("guard pool requires at least one device")
	}
	seen := make(map[string]struct{}, len(guards))
	for _, g := range guards {
		if g == nil {
			return nil, errors.New("guard pool: nil guard")
		}
		if _, dup := seen[g.device]; dup {
			return nil, fmt.Errorf("guard pool: duplicate device %q", g.device)
		}
		seen[g.device] = struct{}{}
	}
	return &Pool{guards: guards}, nil
}

// ParseDevices splits a comma-separated device list ("cuda:0,cuda:1").
func ParseDevices(value string) []string {
	var devices []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			devices = append(devices, part)
		}
	}
	return devices
}

// Guards returns the pool's guards.
func (p *Pool) Guards() []*Guard {
	return append([]*Guard(nil), p.guards...)
}

// Acquire selects one device for model: a free device with the model
// already resident, else any free device. Each candidate is claimed without
// waiting, so concurrent callers land on different devices. When every
// device is held it waits on the first device according to its mode.
func (p *Pool) Acquire(ctx context.Context, model string) (*Lease, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return p.guards[0].Acquire(ctx, model)
	}
	for _, g := range p.candidates(model) {
		if g.tryTake() {
			return g.hold(ctx, model)
		}
	}
	return p.guards[0].Acquire(ctx, model)
}

// candidates orders the devices with model resident first.
func (p *Pool) candidates(model string) []*Guard {
	ordered := make([]*Guard, 0, len(p.guards))
	var rest []*Guard
	for _, g := range p.guards {
		if g.Snapshot().Resident == model {
			ordered = append(ordered, g)
		} else {
			rest = append(rest, g)
		}
	}
	return append(ordered, rest...)
}

// Snapshots reports every device.
func (p *Pool) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.guards))
	for _, g := range p.guards {
		out = append(out, g.Snapshot())
	}
	return out
}

// State summarises the pool: busy when every device is held, loading when
// any device is loading, otherwise idle.
func (p *Pool) State() State {
	busy := 0
	for _, snap := range p.Snapshots() {
		switch snap.State {
		case StateLoading:
			return StateLoading
		case StateBusy:
			busy++
		}
	}
	if busy == len(p.guards) {
		return StateBusy
	}
	return StateIdle
}
