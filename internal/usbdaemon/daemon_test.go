// Copyright 2025 James Ross
package usbdaemon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/bus"
)

type fakeSource struct {
	name    string
	devices []DeviceSnapshot
	events  chan RawEvent
}

func newFakeSource(name string, devices ...DeviceSnapshot) *fakeSource {
	return &fakeSource{name: name, devices: devices, events: make(chan RawEvent, 16)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Enumerate(ctx context.Context) ([]RawEvent, error) {
	out := make([]RawEvent, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, RawEvent{VendorID: d.VendorID, ProductID: d.ProductID, Bus: d.Bus, Address: d.Address, Action: Attach})
	}
	return out, nil
}

func (f *fakeSource) Events() <-chan RawEvent { return f.events }

func (f *fakeSource) ExtractDescriptor(ctx context.Context, ev RawEvent) (Descriptor, error) {
	return Descriptor{Manufacturer: "acme", Product: "scanner", Serial: "sn-1"}, nil
}

func (f *fakeSource) Close() error {
	close(f.events)
	return nil
}

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bus.NewRedisStreamsBus(client, 16, zap.NewNop())
}

func TestSignatureIsDeterministicAndDistinguishesAddress(t *testing.T) {
	a := Signature("0x04A9", "0x220E", 1, 2)
	b := Signature("0x04A9", "0x220E", 1, 2)
	c := Signature("0x04A9", "0x220E", 1, 3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestRunEnumeratesAndPublishesInitialAttach(t *testing.T) {
	b := newTestBus(t)
	primary := newFakeSource("primary", DeviceSnapshot{VendorID: "0x04A9", ProductID: "0x220E", Bus: 1, Address: 2})
	fallback := newFakeSource("fallback")

	d := NewDaemon(primary, fallback, b, "aw:hotplug", 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.LiveDeviceCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestProcessEventDebouncesRepeats(t *testing.T) {
	b := newTestBus(t)
	primary := newFakeSource("primary")
	fallback := newFakeSource("fallback")
	d := NewDaemon(primary, fallback, b, "aw:hotplug", 50*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	d.active = primary

	ev := RawEvent{VendorID: "0x04A9", ProductID: "0x220E", Bus: 1, Address: 2, Action: Attach}
	ctx := context.Background()
	d.processEvent(ctx, ev)
	assert.Equal(t, 1, d.LiveDeviceCount())

	// An immediate detach within the debounce window of the attach is suppressed.
	d.processEvent(ctx, RawEvent{VendorID: "0x04A9", ProductID: "0x220E", Bus: 1, Address: 2, Action: Detach})
	assert.Equal(t, 1, d.LiveDeviceCount(), "detach within debounce window of the attach is dropped")
}

func TestProcessEventDropsAttachWhileAlreadyAttached(t *testing.T) {
	b := newTestBus(t)
	d := NewDaemon(newFakeSource("p"), newFakeSource("f"), b, "aw:hotplug", time.Nanosecond, 50*time.Millisecond, zap.NewNop())
	d.active = d.primary

	ev := RawEvent{VendorID: "0x04A9", ProductID: "0x220E", Bus: 1, Address: 2, Action: Attach}
	d.processEvent(context.Background(), ev)
	require.Equal(t, 1, d.LiveDeviceCount())

	time.Sleep(2 * time.Millisecond) // clear the debounce window
	d.processEvent(context.Background(), ev)
	assert.Equal(t, 1, d.LiveDeviceCount(), "attach while already attached is a no-op, not a duplicate")
}

func TestProcessEventDropsDetachWhileNotAttached(t *testing.T) {
	b := newTestBus(t)
	d := NewDaemon(newFakeSource("p"), newFakeSource("f"), b, "aw:hotplug", time.Nanosecond, 50*time.Millisecond, zap.NewNop())
	d.active = d.primary

	d.processEvent(context.Background(), RawEvent{VendorID: "0x04A9", ProductID: "0x220E", Bus: 1, Address: 2, Action: Detach})
	assert.Equal(t, 0, d.LiveDeviceCount())
}
