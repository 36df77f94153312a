// Copyright (c) 2016 The Decred developers.

// Package cpu implements provider.Provider over the local CPU's logical
// cores. It exists so the coordination engine can be exercised end to end
// (tests, benchmark mode, CPU-only scrypt mining) without a real GPU
// backend; it is the software analogue of an OpenCL/CUDA device list, one
// "platform" with one device per logical core.
package cpu

import (
	"runtime"
	"sync"
	"time"

	"github.com/hashforge/coreminer/provider"
)

// Provider is a provider.Provider backed by runtime.NumCPU() devices under
// a single "CPU" platform.
type Provider struct {
	platforms []provider.Platform

	mu      sync.Mutex
	pending map[uint64]chan struct{}
	nextID  uint64
}

// New builds a CPU provider with one device per logical core, or with n
// devices when n > 0.
func New(n int) *Provider {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	devices := make([]provider.Device, n)
	for i := range devices {
		devices[i] = provider.Device{Index: i, Name: "cpu-core", Kind: "CPU", PlatformIndex: 0}
	}
	return &Provider{
		platforms: []provider.Platform{{Index: 0, Name: "CPU", Devices: devices}},
		pending:   make(map[uint64]chan struct{}),
	}
}

// Platforms implements provider.Provider.
func (p *Provider) Platforms() []provider.Platform { return p.platforms }

// DeviceLinear implements provider.Provider.
func (p *Provider) DeviceLinear(i int) (*provider.Device, bool) {
	for pi := range p.platforms {
		devs := p.platforms[pi].Devices
		if i < len(devs) {
			d := devs[i]
			return &d, true
		}
		i -= len(devs)
	}
	return nil, false
}

// PlatformOf implements provider.Provider.
func (p *Provider) PlatformOf(d *provider.Device) (*provider.Platform, bool) {
	if d == nil || d.PlatformIndex < 0 || d.PlatformIndex >= len(p.platforms) {
		return nil, false
	}
	plat := p.platforms[d.PlatformIndex]
	return &plat, true
}

// NewEvent creates a wait event that becomes ready once Complete is called
// with it.
func (p *Provider) NewEvent() *provider.WaitEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	done := make(chan struct{})
	p.pending[id] = done
	return provider.NewWaitEvent(id, done)
}

// Complete marks the event with the given ID as finished, waking any
// waiter blocked in Wait.
func (p *Provider) Complete(e *provider.WaitEvent) {
	if e == nil {
		return
	}
	p.mu.Lock()
	done, ok := p.pending[e.ID()]
	if ok {
		delete(p.pending, e.ID())
	}
	p.mu.Unlock()
	if ok {
		close(done)
	}
}

// Wait implements provider.Provider. It blocks until at least one event
// fires or the timeout elapses, returning the number of events it observed
// ready (spurious zero-ready wakeups on timeout are permitted by contract).
func (p *Provider) Wait(events []*provider.WaitEvent, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, provider.ErrNoEvents
	}

	ready := 0
	cases := make([]chan struct{}, 0, len(events))
	for _, e := range events {
		p.mu.Lock()
		ch, ok := p.pending[e.ID()]
		p.mu.Unlock()
		if ok {
			cases = append(cases, ch)
		} else {
			// No longer pending: Complete already ran for it.
			ready++
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	for _, ch := range cases {
		select {
		case <-ch:
			ready++
		case <-t.C:
			return ready, nil
		default:
		}
	}
	if ready > 0 {
		return ready, nil
	}

	// Nothing was already ready: block on the first event or the timeout.
	merged := make(chan struct{})
	var once sync.Once
	for _, ch := range cases {
		go func(c chan struct{}) {
			select {
			case <-c:
				once.Do(func() { close(merged) })
			case <-merged:
			}
		}(ch)
	}
	select {
	case <-merged:
		return 1, nil
	case <-t.C:
		return 0, nil
	}
}
