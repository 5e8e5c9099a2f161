// Copyright 2025 James Ross
package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/loader"
	"github.com/autoweave/autoweaved/internal/permission"
	"github.com/autoweave/autoweaved/internal/workerhost"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	instanceID string
	deliveries []string
}

func (d *fakeDispatcher) InstanceID() string { return d.instanceID }

// Load, Unload, and Terminate satisfy loader.Worker, since PluginRecord.Worker
// is declared as that interface; the router only ever uses Deliver, reached
// via a type assertion to Dispatcher.
func (d *fakeDispatcher) Load(ctx context.Context) error           { return nil }
func (d *fakeDispatcher) Unload(ctx context.Context) (bool, error) { return false, nil }
func (d *fakeDispatcher) Terminate() error                         { return nil }

func (d *fakeDispatcher) Deliver(ctx context.Context, hook string, fn func(context.Context, workerhost.Plugin, *workerhost.Ctx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, hook)
	return nil
}

func (d *fakeDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

type fakePluginSource struct {
	mu      sync.Mutex
	records []loader.PluginRecord
}

func (s *fakePluginSource) Records() []loader.PluginRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]loader.PluginRecord, len(s.records))
	copy(out, s.records)
	return out
}

func grantedUSBPermissions(vendor, product string) permission.PermissionSet {
	return permission.PermissionSet{
		USB: permission.USBPolicy{
			VendorIDs:  map[string]struct{}{vendor: {}},
			ProductIDs: map[string]struct{}{product: {}},
		},
	}
}

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bus.NewRedisStreamsBus(client, 16, zap.NewNop())
}

func TestDispatchUSBEventRoutesToMatchingRunningPlugin(t *testing.T) {
	dispatcher := &fakeDispatcher{instanceID: "inst-1"}
	source := &fakePluginSource{records: []loader.PluginRecord{
		{
			Name:    "matching-plugin",
			State:   loader.Running,
			Perms:   grantedUSBPermissions("1d6b", "0002"),
			Tracker: permission.NewTracker(),
			Worker:  dispatcher,
		},
	}}

	b := newTestBus(t)
	r := New(b, source, "router-1", "aw:hotplug", "routers", "aw:plugin", "routers", 50*time.Millisecond, zap.NewNop())

	msg := bus.BusMessage{Fields: map[string]string{
		"device_signature": "abc", "vendor_id": "1d6b", "product_id": "0002", "action": "attach",
	}}
	r.dispatchUSBEvent(context.Background(), msg)

	assert.Equal(t, []string{"onUSBAttach"}, dispatcher.seen())
}

func TestDispatchUSBEventSkipsPluginWithoutMatchingGrant(t *testing.T) {
	dispatcher := &fakeDispatcher{instanceID: "inst-2"}
	source := &fakePluginSource{records: []loader.PluginRecord{
		{
			Name:    "other-plugin",
			State:   loader.Running,
			Perms:   grantedUSBPermissions("feed", "cafe"),
			Tracker: permission.NewTracker(),
			Worker:  dispatcher,
		},
	}}

	b := newTestBus(t)
	r := New(b, source, "router-1", "aw:hotplug", "routers", "aw:plugin", "routers", 50*time.Millisecond, zap.NewNop())

	msg := bus.BusMessage{Fields: map[string]string{
		"device_signature": "abc", "vendor_id": "1d6b", "product_id": "0002", "action": "attach",
	}}
	r.dispatchUSBEvent(context.Background(), msg)

	assert.Empty(t, dispatcher.seen())
}

func TestDispatchUSBEventSkipsNonRunningPlugin(t *testing.T) {
	dispatcher := &fakeDispatcher{instanceID: "inst-3"}
	source := &fakePluginSource{records: []loader.PluginRecord{
		{
			Name:    "draining-plugin",
			State:   loader.Draining,
			Perms:   grantedUSBPermissions("1d6b", "0002"),
			Tracker: permission.NewTracker(),
			Worker:  dispatcher,
		},
	}}

	b := newTestBus(t)
	r := New(b, source, "router-1", "aw:hotplug", "routers", "aw:plugin", "routers", 50*time.Millisecond, zap.NewNop())

	msg := bus.BusMessage{Fields: map[string]string{
		"device_signature": "abc", "vendor_id": "1d6b", "product_id": "0002", "action": "detach",
	}}
	r.dispatchUSBEvent(context.Background(), msg)

	assert.Empty(t, dispatcher.seen())
}

func TestDispatchJobRoutesByQueueGrant(t *testing.T) {
	dispatcher := &fakeDispatcher{instanceID: "inst-4"}
	source := &fakePluginSource{records: []loader.PluginRecord{
		{
			Name:    "job-plugin",
			State:   loader.Running,
			Perms:   permission.PermissionSet{Queues: map[string]struct{}{"scans": {}}},
			Tracker: permission.NewTracker(),
			Worker:  dispatcher,
		},
	}}

	b := newTestBus(t)
	r := New(b, source, "router-1", "aw:hotplug", "routers", "aw:plugin", "routers", 50*time.Millisecond, zap.NewNop())

	msg := bus.BusMessage{Fields: map[string]string{"queue": "scans", "path": "/data/in.bin"}}
	r.dispatchJob(context.Background(), msg)

	assert.Equal(t, []string{"onJobReceived"}, dispatcher.seen())
}

func TestRunConsumesAndAcksHotplugStream(t *testing.T) {
	dispatcher := &fakeDispatcher{instanceID: "inst-5"}
	source := &fakePluginSource{records: []loader.PluginRecord{
		{
			Name:    "matching-plugin",
			State:   loader.Running,
			Perms:   grantedUSBPermissions("1d6b", "0002"),
			Tracker: permission.NewTracker(),
			Worker:  dispatcher,
		},
	}}

	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.CreateGroup(ctx, "aw:hotplug", "routers"))
	_, err := b.Publish(ctx, "aw:hotplug", map[string]string{
		"device_signature": "abc", "vendor_id": "1d6b", "product_id": "0002", "action": "attach",
	})
	require.NoError(t, err)

	r := New(b, source, "router-1", "aw:hotplug", "routers", "aw:plugin", "routers", 20*time.Millisecond, zap.NewNop())
	go r.Run(ctx)
	defer r.Stop()

	assert.Eventually(t, func() bool {
		return len(dispatcher.seen()) == 1
	}, time.Second, 10*time.Millisecond)
}
