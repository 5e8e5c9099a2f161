// Copyright 2025 James Ross
package usbdaemon

import (
	"context"
	"sync"
	"time"
)

// DeviceSnapshot is one device as reported by a ListFunc poll.
type DeviceSnapshot struct {
	VendorID  string
	ProductID string
	Bus       int
	Address   int
	PortPath  string
}

// ListFunc enumerates every USB device currently visible to the host. A
// real deployment supplies one backed by the platform's device-change
// notification mechanism (e.g. shelling to a sysfs walk on Linux, IOKit on
// Darwin); PollingSource itself is platform-agnostic and only needs a
// snapshot function and a poll interval to synthesize a hot-plug stream.
type ListFunc func(ctx context.Context) ([]DeviceSnapshot, error)

// PollingSource is the fallback Source required by spec.md §4.4: it
// diffs successive ListFunc snapshots to synthesize attach/detach
// RawEvents, satisfying the contract without any OS-specific hot-plug
// callback API.
type PollingSource struct {
	list     ListFunc
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]DeviceSnapshot

	events chan RawEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPollingSource(list ListFunc, interval time.Duration) *PollingSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingSource{
		list:     list,
		interval: interval,
		lastSeen: make(map[string]DeviceSnapshot),
		events:   make(chan RawEvent, 64),
		done:     make(chan struct{}),
	}
}

func (p *PollingSource) Name() string { return "polling-fallback" }

func (p *PollingSource) Enumerate(ctx context.Context) ([]RawEvent, error) {
	snapshots, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]RawEvent, 0, len(snapshots))
	for _, s := range snapshots {
		key := snapshotKey(s)
		p.lastSeen[key] = s
		events = append(events, RawEvent{VendorID: s.VendorID, ProductID: s.ProductID, Bus: s.Bus, Address: s.Address, PortPath: s.PortPath, Action: Attach})
	}
	return events, nil
}

func snapshotKey(s DeviceSnapshot) string {
	return Signature(s.VendorID, s.ProductID, s.Bus, s.Address)
}

func (p *PollingSource) Events() <-chan RawEvent { return p.events }

// Run starts the poll loop; callers launch it in a goroutine. A poll that
// runs before Enumerate has seeded lastSeen reports every visible device as
// an attach. It stops, closing Events(), when ctx is canceled or Close is
// called.
func (p *PollingSource) Run(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.events)
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PollingSource) poll(ctx context.Context) {
	snapshots, err := p.list(ctx)
	if err != nil {
		return
	}

	current := make(map[string]DeviceSnapshot, len(snapshots))
	for _, s := range snapshots {
		current[snapshotKey(s)] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, s := range current {
		if _, ok := p.lastSeen[key]; !ok {
			p.emit(RawEvent{VendorID: s.VendorID, ProductID: s.ProductID, Bus: s.Bus, Address: s.Address, PortPath: s.PortPath, Action: Attach})
		}
	}
	for key, s := range p.lastSeen {
		if _, ok := current[key]; !ok {
			p.emit(RawEvent{VendorID: s.VendorID, ProductID: s.ProductID, Bus: s.Bus, Address: s.Address, PortPath: s.PortPath, Action: Detach})
		}
	}
	p.lastSeen = current
}

func (p *PollingSource) emit(ev RawEvent) {
	select {
	case p.events <- ev:
	default:
		// Events channel is full; the daemon's own backpressure policy
		// governs downstream drops, so a stalled consumer here just
		// means this snapshot's delta is dropped rather than blocking
		// the poll loop.
	}
}

// ExtractDescriptor has no portable implementation without a platform
// backend; it returns an empty Descriptor, matching the "proceed with
// empty values" behavior spec.md §4.4 step 4 requires on timeout.
func (p *PollingSource) ExtractDescriptor(ctx context.Context, ev RawEvent) (Descriptor, error) {
	return Descriptor{}, nil
}

func (p *PollingSource) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}
