// Copyright 2025 James Ross
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/loader"
	"github.com/autoweave/autoweaved/internal/permission"
	"github.com/autoweave/autoweaved/internal/workerhost"
)

// PluginSource is the Router's read-only view of the plugin table, owned
// exclusively by the Loader (spec.md §5); the Router takes a snapshot per
// message rather than holding a reference into the Loader's own state.
type PluginSource interface {
	Records() []loader.PluginRecord
}

// Router is the pure dispatch-policy component of spec.md §4.7: it consumes
// BusMessages from the hotplug and plugin job streams and fans each one out
// to every currently-Running plugin whose permissions admit it. It holds no
// state of its own beyond the consumer identity and shutdown signal.
type Router struct {
	b        bus.Bus
	plugins  PluginSource
	consumer string
	log      *zap.Logger

	hotplugStream, hotplugGroup string
	jobStream, jobGroup         string
	blockTimeout                time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(b bus.Bus, plugins PluginSource, consumer string, hotplugStream, hotplugGroup, jobStream, jobGroup string, blockTimeout time.Duration, log *zap.Logger) *Router {
	return &Router{
		b:             b,
		plugins:       plugins,
		consumer:      consumer,
		hotplugStream: hotplugStream,
		hotplugGroup:  hotplugGroup,
		jobStream:     jobStream,
		jobGroup:      jobGroup,
		blockTimeout:  blockTimeout,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Run creates both consumer groups (idempotent) and services the hotplug and
// job streams concurrently until ctx is done or Stop is called.
func (r *Router) Run(ctx context.Context) error {
	if err := r.b.CreateGroup(ctx, r.hotplugStream, r.hotplugGroup); err != nil {
		return err
	}
	if err := r.b.CreateGroup(ctx, r.jobStream, r.jobGroup); err != nil {
		return err
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.serviceStream(ctx, r.hotplugStream, r.hotplugGroup, r.dispatchUSBEvent)
	}()
	go func() {
		defer r.wg.Done()
		r.serviceStream(ctx, r.jobStream, r.jobGroup, r.dispatchJob)
	}()

	<-ctx.Done()
	return ctx.Err()
}

// Stop signals Run's consume loops to exit and waits for them to drain,
// honoring the Router→Loader→Workers shutdown ordering (spec.md §5): no new
// hook dispatch is enqueued once Stop returns.
func (r *Router) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.wg.Wait()
}

func (r *Router) serviceStream(ctx context.Context, stream, group string, dispatch func(context.Context, bus.BusMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		msgs, err := r.b.Consume(ctx, stream, group, r.consumer, r.blockTimeout)
		if err != nil {
			r.log.Warn("router consume failed", zap.String("stream", stream), zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			dispatch(ctx, msg)
			if err := r.b.Ack(ctx, stream, group, msg.StreamID); err != nil {
				r.log.Warn("router ack failed", zap.String("stream", stream), zap.String("streamId", msg.StreamID), zap.Error(err))
			}
		}
	}
}

// dispatchUSBEvent implements spec.md §4.7 steps 1-4: deserialize, filter by
// USB permission per Running plugin, enqueue the matching hook, then (by the
// caller acking right after this returns) acknowledge only once every
// dispatch has been enqueued — never after a hook completes, since hook
// completion is asynchronous to this loop.
func (r *Router) dispatchUSBEvent(ctx context.Context, msg bus.BusMessage) {
	ev := decodeUSBEvent(msg)
	hook := "onUSBAttach"
	if usbAction(msg) == "detach" {
		hook = "onUSBDetach"
	}

	for _, record := range r.plugins.Records() {
		if record.State != loader.Running {
			continue
		}
		decision := permission.Check(record.Perms, record.Tracker, permission.USBOpenRequest(ev.VendorID, ev.ProductID))
		if !decision.Allowed {
			continue
		}
		dispatcher, ok := record.Worker.(Dispatcher)
		if !ok {
			continue
		}
		r.enqueue(record.Name, dispatcher, hook, func(hc context.Context, p workerhost.Plugin, ctx2 *workerhost.Ctx) error {
			if hook == "onUSBDetach" {
				return p.OnUSBDetach(hc, ctx2, ev)
			}
			return p.OnUSBAttach(hc, ctx2, ev)
		})
	}
}

// dispatchJob fans a job out to every Running plugin whose permission set
// grants the job's queue; the message names a queue, not a plugin instance.
func (r *Router) dispatchJob(ctx context.Context, msg bus.BusMessage) {
	job := decodeJob(msg)
	for _, record := range r.plugins.Records() {
		if record.State != loader.Running {
			continue
		}
		if _, granted := record.Perms.Queues[job.Queue]; !granted {
			continue
		}
		dispatcher, ok := record.Worker.(Dispatcher)
		if !ok {
			continue
		}
		r.enqueue(record.Name, dispatcher, "onJobReceived", func(hc context.Context, p workerhost.Plugin, ctx2 *workerhost.Ctx) error {
			return p.OnJobReceived(hc, ctx2, job)
		})
	}
}

// enqueue hands the hook invocation to the plugin's own event queue.
// Deliver returns as soon as the job is queued — it does not wait for the
// hook to run — so the Router never blocks its consume loop (and therefore
// never delays the Ack) on a plugin's hook completing. Per-plugin FIFO
// ordering is preserved because each WorkerHost drains its queue with a
// single dedicated goroutine.
func (r *Router) enqueue(pluginName string, d Dispatcher, hook string, fn func(context.Context, workerhost.Plugin, *workerhost.Ctx) error) {
	if err := d.Deliver(context.Background(), hook, fn); err != nil {
		r.log.Warn("hook dispatch failed", zap.String("plugin", pluginName), zap.String("hook", hook), zap.Error(err))
	}
}
