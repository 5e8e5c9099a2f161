// Copyright 2025 James Ross
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Watch installs an fsnotify watch over root (recursively) and starts a
// cron-scheduled fallback rescan, coalescing changes into a debounced
// reload per affected plugin directory, per spec.md §4.5 step 2. It blocks
// until ctx is canceled.
func (l *Loader) Watch(ctx context.Context, reloadDebounce time.Duration, rescanSpec string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addRecursive(watcher, l.root); err != nil {
		return err
	}

	c := cron.New()
	_, err = c.AddFunc(rescanSpec, func() { l.rescan(ctx) })
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	debouncer := newDebouncer(reloadDebounce, func(dir string) {
		l.loadDir(ctx, dir)
	})
	defer debouncer.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if dir := pluginDirFor(l.root, ev.Name); dir != "" {
				debouncer.trigger(dir)
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := statIsDir(ev.Name); err == nil && fi {
					_ = watcher.Add(ev.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// rescan re-enumerates root and loads any plugin directory the loader
// doesn't yet know about, covering the case an fsnotify event was missed.
func (l *Loader) rescan(ctx context.Context) {
	dirs, err := discoverPluginDirs(l.root)
	if err != nil {
		l.log.Warn("rescan enumeration failed", zap.Error(err))
		return
	}
	for _, dir := range dirs {
		if _, known := l.getRecord(dir); !known {
			l.loadDir(ctx, dir)
		}
	}
}

// debouncer coalesces repeated triggers for the same key within window
// into a single fire, per key, independent of other keys.
type debouncer struct {
	window time.Duration
	fire   func(key string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

func newDebouncer(window time.Duration, fire func(string)) *debouncer {
	return &debouncer{window: window, fire: fire, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Reset(d.window)
		return
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		d.fire(key)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
}
