// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/breaker"
	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/config"
	"github.com/autoweave/autoweaved/internal/loader"
	"github.com/autoweave/autoweaved/internal/obs"
	"github.com/autoweave/autoweaved/internal/redisclient"
	"github.com/autoweave/autoweaved/internal/router"
	"github.com/autoweave/autoweaved/internal/usbdaemon"
	"github.com/autoweave/autoweaved/internal/workerhost"
)

func main() {
	fs := flag.NewFlagSet("autoweaved", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "path to config.yaml")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Warn("tracing init failed, continuing without it", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	if err := run(cfg, log); err != nil {
		log.Error("autoweaved exited with error", obs.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, rdb, err := buildBus(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := workerhost.NewRegistry()
	registerBuiltinPlugins(registry)
	actions := workerhost.DefaultHostActions{Publisher: b}
	host := workerhost.NewHost(registry.Factory(), actions, cfg.Hooks, log)

	ld := loader.New(cfg.Plugin.Dir, cfg.Plugin.SignatureDenylist, cfg.Hooks.ReadyTimeout(), cfg.Hooks.OnUnloadTimeout(), host, b, cfg.Bus.PluginStream, log)

	daemon := buildUSBDaemon(ctx, cfg, b, log)

	rt := router.New(b, ld, "autoweaved-router", cfg.Bus.HotplugStream, cfg.Bus.GroupName, cfg.Bus.PluginStream, cfg.Bus.GroupName, 2*time.Second, log)

	readiness := func(context.Context) error {
		if daemon.State() == usbdaemon.StateOffline {
			return fmt.Errorf("usb daemon offline")
		}
		return nil
	}
	httpSrv := obs.StartHTTPServer(cfg, readiness)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if rdb != nil {
		obs.StartStreamLengthUpdater(ctx, cfg, rdb, log)
	}

	if err := ld.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap plugins: %w", err)
	}

	daemonErrCh := make(chan error, 1)
	go func() { daemonErrCh <- daemon.Run(ctx) }()

	watchErrCh := make(chan error, 1)
	go func() { watchErrCh <- ld.Watch(ctx, cfg.Plugin.ReloadDebounce(), cfg.Plugin.RescanCron) }()

	routerErrCh := make(chan error, 1)
	go func() { routerErrCh <- rt.Run(ctx) }()

	log.Info("autoweaved running",
		obs.String("usb_fallback", cfg.USBDaemon.Fallback),
		obs.String("bus_driver", cfg.Bus.Driver),
		obs.String("plugin_dir", cfg.Plugin.Dir),
		obs.Int("metrics_port", cfg.Observability.MetricsPort),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-daemonErrCh:
		log.Error("usb daemon stopped unexpectedly", obs.Err(err))
	case err := <-watchErrCh:
		log.Error("plugin watch stopped unexpectedly", obs.Err(err))
	case err := <-routerErrCh:
		log.Error("router stopped unexpectedly", obs.Err(err))
	}

	shutdown(cfg, ld, rt, log)
	return nil
}

// shutdown drains components in spec.md §5's reverse-dependency order:
// Router first so no new hook deliveries are enqueued, then every plugin
// worker via the Loader's own Unload path, leaving the Bus to run's deferred
// Close call; the USB daemon and its polling sources stop when run's context
// is canceled. The plugin unloads are bounded by ShutdownBudget.
func shutdown(cfg *config.Config, ld *loader.Loader, rt *router.Router, log *zap.Logger) {
	deadline := time.Now().Add(cfg.ShutdownBudget())

	rt.Stop()
	log.Info("router stopped")

	for _, record := range ld.Records() {
		if record.Worker == nil {
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), remaining)
		forced, err := record.Worker.Unload(drainCtx)
		cancel()
		if err != nil {
			log.Warn("plugin unload error during shutdown", obs.String("plugin", record.Name), obs.Err(err))
		}
		if forced {
			log.Warn("plugin force-terminated during shutdown", obs.String("plugin", record.Name))
		}
	}
	log.Info("plugin workers drained")
}

// buildBus constructs the Event Bus Adapter per cfg.Bus.Driver, wrapping it
// in a BreakerBus so sustained transport failure fails Publish fast instead
// of piling callers up on a backend that is already down. rdb is non-nil
// only for the redis driver, so the caller can also wire the stream-length
// gauge updater off the same client.
func buildBus(cfg *config.Config, log *zap.Logger) (bus.Bus, *redis.Client, error) {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	// Shape publish bursts (e.g. a hub's worth of devices attaching at
	// once) ahead of the circuit breaker: 10x the configured backpressure
	// buffer per second, with a burst equal to the buffer itself.
	shapeRate := float64(cfg.Bus.BackpressureBuffer) * 10
	shapeBurst := cfg.Bus.BackpressureBuffer

	switch cfg.Bus.Driver {
	case "nats":
		nb, err := bus.NewNATSJetStreamBus(cfg.NATS.URL, cfg.Bus.BackpressureBuffer, log)
		if err != nil {
			return nil, nil, fmt.Errorf("build nats bus: %w", err)
		}
		shaped := bus.NewRateLimitedBus(nb, shapeRate, shapeBurst)
		return bus.NewBreakerBus(shaped, cb, log), nil, nil
	default:
		rdb := redisclient.New(cfg)
		rb := bus.NewRedisStreamsBus(rdb, cfg.Bus.BackpressureBuffer, log)
		shaped := bus.NewRateLimitedBus(rb, shapeRate, shapeBurst)
		return bus.NewBreakerBus(shaped, cb, log), rdb, nil
	}
}

// buildUSBDaemon wires the daemon's primary and fallback Source. No
// dependency in this corpus provides native libusb/hotplug bindings, so
// both roles are filled by PollingSource instances: a fast-polling primary
// and a slower, otherwise-identical fallback. This keeps the Healthy →
// Degraded → Offline promotion path in daemon.go exercised by a real
// source swap rather than a single always-up Source, while leaving room
// for a platform-specific primary to be substituted at deployment time
// without touching the daemon. Both sources' poll loops are started here;
// Daemon.Run only ever reads from Events(), it never starts a Source.
func buildUSBDaemon(ctx context.Context, cfg *config.Config, b bus.Bus, log *zap.Logger) *usbdaemon.Daemon {
	list := usbdaemon.SysDeviceList
	primary := usbdaemon.NewPollingSource(list, cfg.USBDaemon.Debounce())
	fallback := usbdaemon.NewPollingSource(list, 5*cfg.USBDaemon.Debounce())
	go primary.Run(ctx)
	go fallback.Run(ctx)
	return usbdaemon.NewDaemon(primary, fallback, b, cfg.Bus.HotplugStream, cfg.USBDaemon.Debounce(), cfg.USBDaemon.DescriptorTimeout(), log)
}

// registerBuiltinPlugins is the seam where in-process plugin packages call
// registry.Register from their own init, or where this binary registers
// them explicitly when built with plugin packages vendored in. No plugin
// is bundled by default.
func registerBuiltinPlugins(r *workerhost.Registry) {}
