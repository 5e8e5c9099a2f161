// Copyright 2025 James Ross
package loader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/manifest"
	"github.com/autoweave/autoweaved/internal/obs"
	"github.com/autoweave/autoweaved/internal/permission"
	"github.com/google/uuid"
)

// Loader owns the plugin state machine over a root directory: initial
// enumeration, fsnotify-driven (plus cron-driven fallback) reload, and
// publication of lifecycle events onto the plugin stream.
type Loader struct {
	root     string
	denylist []string

	readyTimeout  time.Duration
	drainTimeout  time.Duration

	spawner Spawner
	b       bus.Bus
	stream  string
	log     *zap.Logger

	mu       sync.Mutex
	records  map[string]*PluginRecord // dir -> record
	inFlight map[string]struct{}      // dirs with a transition currently running
}

func New(root string, denylist []string, readyTimeout, drainTimeout time.Duration, spawner Spawner, b bus.Bus, stream string, log *zap.Logger) *Loader {
	return &Loader{
		root:         root,
		denylist:     denylist,
		readyTimeout: readyTimeout,
		drainTimeout: drainTimeout,
		spawner:      spawner,
		b:            b,
		stream:       stream,
		log:          log,
		records:      make(map[string]*PluginRecord),
		inFlight:     make(map[string]struct{}),
	}
}

// Bootstrap enumerates every plugin directory under root and attempts
// Discovered → Running for each, concurrently.
func (l *Loader) Bootstrap(ctx context.Context) error {
	dirs, err := discoverPluginDirs(l.root)
	if err != nil {
		return autoweaveerr.Wrap(autoweaveerr.ReloadFailed, "cannot enumerate plugin directories", err)
	}
	var wg sync.WaitGroup
	for _, dir := range dirs {
		dir := dir
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.loadDir(ctx, dir)
		}()
	}
	wg.Wait()
	return nil
}

// Records returns a snapshot of every known plugin record.
func (l *Loader) Records() []PluginRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PluginRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

// beginTransition ensures at most one transition per plugin directory runs
// at a time (spec.md §4.5 concurrency rule); returns false if one is
// already in flight.
func (l *Loader) beginTransition(dir string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[dir]; busy {
		return false
	}
	l.inFlight[dir] = struct{}{}
	return true
}

func (l *Loader) endTransition(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, dir)
}

func (l *Loader) setRecord(dir string, r *PluginRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[dir] = r
}

func (l *Loader) getRecord(dir string) (*PluginRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[dir]
	return r, ok
}

// loadDir runs Discovered → Running for a plugin directory not yet known
// to the loader (first load) or reload of one already Running.
func (l *Loader) loadDir(ctx context.Context, dir string) {
	if !l.beginTransition(dir) {
		return
	}
	defer l.endTransition(dir)

	start := time.Now()
	m, ps, tracker, err := l.discoverAndValidate(dir)
	if err != nil {
		l.fail(ctx, dir, "", err)
		return
	}

	instanceID := uuid.NewString()
	worker, err := l.spawner.Spawn(m, ps, tracker, instanceID)
	if err != nil {
		l.fail(ctx, dir, m.Name, autoweaveerr.Wrap(autoweaveerr.WorkerSpawnFailed, "spawn failed", err))
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, l.readyTimeout)
	defer cancel()
	if err := worker.Load(loadCtx); err != nil {
		_ = worker.Terminate()
		l.fail(ctx, dir, m.Name, autoweaveerr.Wrap(autoweaveerr.ReloadFailed, "onLoad failed or timed out", err))
		return
	}

	old, hadOld := l.getRecord(dir)

	record := &PluginRecord{
		Name: m.Name, Version: m.Version, Dir: dir, InstanceID: instanceID,
		State: Running, Manifest: m, Perms: ps, Tracker: tracker, Worker: worker,
	}
	l.setRecord(dir, record)
	obs.PluginState.WithLabelValues(m.Name, Running.String()).Set(1)
	obs.PluginLoadDuration.Observe(time.Since(start).Seconds())
	l.publishLifecycle(ctx, "plugin.loaded", m.Name, m.Version, instanceID, "", false)

	if hadOld && old.Worker != nil {
		l.drainOld(ctx, old)
	}
}

func (l *Loader) discoverAndValidate(dir string) (*manifest.Manifest, permission.PermissionSet, *permission.Tracker, error) {
	raw, err := readManifestFile(dir)
	if err != nil {
		return nil, permission.PermissionSet{}, nil, err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, permission.PermissionSet{}, nil, err
	}
	if err := manifest.Validate(m, dir); err != nil {
		return nil, permission.PermissionSet{}, nil, err
	}
	if err := manifest.VerifySignature(m, raw, dir, l.denylist); err != nil {
		return nil, permission.PermissionSet{}, nil, err
	}
	ps := permission.Evaluate(m.Permissions)
	return m, ps, permission.NewTracker(), nil
}

// drainOld transitions the previous instance Running → Draining → Stopped,
// invoking onUnload under the drain timeout.
func (l *Loader) drainOld(ctx context.Context, old *PluginRecord) {
	obs.PluginState.WithLabelValues(old.Name, Draining.String()).Set(1)
	drainCtx, cancel := context.WithTimeout(ctx, l.drainTimeout)
	defer cancel()
	forced, err := old.Worker.Unload(drainCtx)
	if err != nil {
		l.log.Warn("onUnload error during drain", zap.String("plugin", old.Name), zap.Error(err))
	}
	obs.PluginState.WithLabelValues(old.Name, Draining.String()).Set(0)
	l.publishLifecycle(ctx, "plugin.unloaded", old.Name, old.Version, old.InstanceID, "", forced)
}

func (l *Loader) fail(ctx context.Context, dir, name string, err error) {
	if name == "" {
		name = dir
	}
	l.log.Error("plugin failed", zap.String("dir", dir), zap.Error(err))
	obs.PluginFailed.WithLabelValues(name, reasonOf(err)).Inc()
	l.setRecord(dir, &PluginRecord{Name: name, Dir: dir, State: Failed, FailReason: err.Error()})
	l.publishLifecycle(ctx, "plugin.failed", name, "", "", err.Error(), false)
}

func reasonOf(err error) string {
	var ae *autoweaveerr.Error
	if e, ok := err.(*autoweaveerr.Error); ok {
		ae = e
	}
	if ae != nil {
		return string(ae.Kind)
	}
	return "unknown"
}

func (l *Loader) publishLifecycle(ctx context.Context, event, name, version, instanceID, reason string, forced bool) {
	fields := map[string]string{
		"event":      event,
		"name":       name,
		"version":    version,
		"instanceId": instanceID,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if forced {
		fields["forced"] = "true"
	}
	if _, err := l.b.Publish(ctx, l.stream, fields); err != nil {
		l.log.Warn("lifecycle event publish failed", zap.String("event", event), zap.Error(err))
	}
}
