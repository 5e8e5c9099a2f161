// Copyright 2025 James Ross
package workerhost

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/config"
	"github.com/autoweave/autoweaved/internal/loader"
	"github.com/autoweave/autoweaved/internal/manifest"
	"github.com/autoweave/autoweaved/internal/obs"
	"github.com/autoweave/autoweaved/internal/permission"
)

// Host spawns Workers. It satisfies loader.Spawner.
type Host struct {
	factory PluginFactory
	actions HostActions
	hooks   config.Hooks
	log     *zap.Logger

	heapSampleInterval time.Duration
	heapGrace          time.Duration
}

// NewHost builds a Host. actions is shared across every spawned worker;
// factory resolves a manifest entry point to a Plugin implementation.
func NewHost(factory PluginFactory, actions HostActions, hooks config.Hooks, log *zap.Logger) *Host {
	return &Host{
		factory:            factory,
		actions:            actions,
		hooks:              hooks,
		log:                log,
		heapSampleInterval: time.Second,
		heapGrace:          5 * time.Second,
	}
}

// Spawn constructs a new WorkerHost for a validated plugin. It does not
// invoke onLoad; the caller (loader.Loader) does that via Load.
func (h *Host) Spawn(m *manifest.Manifest, ps permission.PermissionSet, tracker *permission.Tracker, instanceID string) (loader.Worker, error) {
	plugin, err := h.factory(m.Entry)
	if err != nil {
		return nil, autoweaveerr.New(autoweaveerr.WorkerSpawnFailed, err.Error())
	}

	w := &WorkerHost{
		instanceID: instanceID,
		name:       m.Name,
		plugin:     plugin,
		actions:    h.actions,
		ps:         ps,
		tracker:    tracker,
		hooks:      h.hooks,
		log:        h.log.With(zap.String("plugin", m.Name), zap.String("instance", instanceID)),
		calls:      make(chan hostCall),
		events:     make(chan hookJob, 64),
		eventDone:  make(chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.ctx = newCtx(w.calls, w.log)
	go w.mediate()
	go w.runEvents()

	if ps.MaxHeapMB > 0 {
		w.heapMonitor = newHeapMonitor(w, h.heapSampleInterval, h.heapGrace, ps.MaxHeapMB, h.log)
	}

	return w, nil
}

// WorkerHost is one goroutine-isolated running plugin instance: a mediation
// goroutine serializes every host call the plugin's hooks make, a second
// goroutine drains queued inbound hook invocations (USB events, jobs) one at
// a time to preserve delivery order, and an optional heap monitor samples
// the whole process's RSS as a proxy for this worker's footprint (goroutines
// share an address space, so there is no way to attribute RSS to a single
// worker in isolation — see DESIGN.md).
type WorkerHost struct {
	instanceID string
	name       string
	plugin     Plugin
	actions    HostActions
	ps         permission.PermissionSet
	tracker    *permission.Tracker
	hooks      config.Hooks
	log        *zap.Logger

	ctx   *Ctx
	calls chan hostCall

	events    chan hookJob
	eventDone chan struct{}

	mu          sync.Mutex
	terminated  bool
	stop        chan struct{}
	done        chan struct{}
	heapMonitor *heapMonitor
}

// hookJob is one queued inbound hook invocation (USB event or job) awaiting
// delivery on this worker's serial event-processing goroutine.
type hookJob struct {
	hook string
	fn   func(context.Context, Plugin, *Ctx) error
}

func (w *WorkerHost) InstanceID() string { return w.instanceID }

// IsTerminated reports whether Terminate has run, including a self-triggered
// termination from a sustained heap-ceiling breach.
func (w *WorkerHost) IsTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

// mediate is the single goroutine that gives host calls FIFO ordering per
// worker: every Ctx method blocks on this channel, and results return in the
// order calls were issued.
func (w *WorkerHost) mediate() {
	defer close(w.done)
	for {
		select {
		case call := <-w.calls:
			decision := permission.Check(w.ps, w.tracker, call.req)
			if !decision.Allowed {
				call.result <- hostCallResult{err: autoweaveerr.New(autoweaveerr.PermissionDenied, decision.Reason)}
				continue
			}
			v, err := call.exec()
			call.result <- hostCallResult{value: v, err: err}
		case <-w.stop:
			return
		}
	}
}

func (w *WorkerHost) runHook(ctx context.Context, hook string, timeout time.Duration, fn func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- autoweaveerr.New(autoweaveerr.HookError, fmt.Sprintf("panic: %v", r))
			}
		}()
		errCh <- fn(hookCtx)
	}()

	select {
	case err := <-errCh:
		obs.HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
		return err
	case <-hookCtx.Done():
		obs.HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
		obs.HookTimeouts.WithLabelValues(hook).Inc()
		return autoweaveerr.New(autoweaveerr.HookTimeout, hook+" exceeded its timeout")
	}
}

// Load invokes onLoad with the ready timeout and starts heap monitoring on
// success.
func (w *WorkerHost) Load(ctx context.Context) error {
	err := w.runHook(ctx, "onLoad", w.hooks.ReadyTimeout(), func(hc context.Context) error {
		return w.plugin.OnLoad(hc, w.ctx)
	})
	if err != nil {
		return err
	}
	if w.heapMonitor != nil {
		w.heapMonitor.start()
	}
	return nil
}

// Unload invokes onUnload with the drain timeout and then calls Terminate
// itself in every case; forced is true when the hook timed out or failed.
func (w *WorkerHost) Unload(ctx context.Context) (bool, error) {
	err := w.runHook(ctx, "onUnload", w.hooks.OnUnloadTimeout(), func(hc context.Context) error {
		return w.plugin.OnUnload(hc, w.ctx)
	})
	forced := err != nil
	if termErr := w.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return forced, err
}

// Deliver enqueues a USB attach/detach event or job for this worker's
// corresponding hook and returns as soon as it is queued — it does not wait
// for the hook to run. This is what lets the router ack a bus message right
// after dispatch without the per-plugin hook invocation blocking the bus
// consume loop. Queued jobs run one at a time, in the order Deliver was
// called, on runEvents.
func (w *WorkerHost) Deliver(ctx context.Context, hook string, fn func(context.Context, Plugin, *Ctx) error) error {
	select {
	case w.events <- hookJob{hook: hook, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return autoweaveerr.New(autoweaveerr.Shutdown, "worker terminated")
	}
}

// runEvents is the single goroutine that gives hook invocations FIFO
// ordering per worker (spec.md §5's "hook invocations are delivered in
// router-emission order"): it drains events strictly one at a time.
func (w *WorkerHost) runEvents() {
	defer close(w.eventDone)
	for {
		select {
		case job := <-w.events:
			err := w.runHook(context.Background(), job.hook, w.hooks.EventTimeout(), func(hc context.Context) error {
				return job.fn(hc, w.plugin, w.ctx)
			})
			if err != nil {
				w.log.Warn("hook invocation failed", zap.String("hook", job.hook), zap.Error(err))
			}
		case <-w.stop:
			return
		}
	}
}

// Terminate stops the mediation goroutine, the event-dispatch goroutine, and
// the heap monitor without invoking any plugin hook.
func (w *WorkerHost) Terminate() error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.terminated = true
	w.mu.Unlock()

	if w.heapMonitor != nil {
		w.heapMonitor.stop()
	}
	close(w.stop)
	<-w.done
	<-w.eventDone
	w.tracker.ReleaseWorker()
	return nil
}

// heapMonitor samples the host process's RSS as a proxy for aggregate
// worker memory pressure and terminates a worker that sustains a breach past
// the grace window. It cannot attribute RSS to one goroutine-isolated
// worker among many sharing the process, so a breach from any plugin shows
// up against every monitor currently running; this is a known blunt edge
// documented in DESIGN.md rather than a precise per-plugin cap.
type heapMonitor struct {
	worker   *WorkerHost
	interval time.Duration
	grace    time.Duration
	ceiling  int64
	log      *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newHeapMonitor(w *WorkerHost, interval, grace time.Duration, maxHeapMB int, log *zap.Logger) *heapMonitor {
	return &heapMonitor{
		worker:   w,
		interval: interval,
		grace:    grace,
		ceiling:  int64(maxHeapMB) * 1_000_000,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *heapMonitor) start() {
	go m.run()
}

func (m *heapMonitor) stop() {
	select {
	case <-m.doneCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *heapMonitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.log.Warn("heap monitor disabled, cannot read own process", zap.Error(err))
		return
	}

	var breachSince time.Time
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			mem, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			if int64(mem.RSS) > m.ceiling {
				if breachSince.IsZero() {
					breachSince = time.Now()
				}
				if time.Since(breachSince) >= m.grace {
					obs.HeapViolations.WithLabelValues(m.worker.name).Inc()
					m.log.Warn("heap ceiling sustained past grace window, terminating worker",
						zap.Uint64("rss", mem.RSS), zap.Int64("ceilingBytes", m.ceiling))
					// Terminate calls back into stop(), which waits on doneCh; run
					// it from another goroutine so this return (closing doneCh) can
					// happen first.
					go func() { _ = m.worker.Terminate() }()
					return
				}
			} else {
				breachSince = time.Time{}
			}
		}
	}
}
