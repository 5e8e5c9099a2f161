// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/autoweave/autoweaved/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_events_published_total",
		Help: "Total number of events published onto a bus stream",
	}, []string{"stream"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_events_dropped_total",
		Help: "Total number of events dropped, by reason",
	}, []string{"reason"})
	EventsDebounced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_events_debounced_total",
		Help: "Total number of raw USB notifications collapsed by debounce",
	})
	USBDaemonState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_usb_daemon_state",
		Help: "0 Healthy, 1 Degraded, 2 Offline",
	})
	BusState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_bus_state",
		Help: "0 Healthy, 1 Degraded",
	})
	LiveDeviceCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_usb_live_device_count",
		Help: "Current size of the live-device index",
	})
	PluginState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aw_plugin_state",
		Help: "1 if the plugin instance currently holds this state, else 0",
	}, []string{"plugin", "state"})
	PluginFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_plugin_failed_total",
		Help: "Total plugin failures, by reason",
	}, []string{"plugin", "reason"})
	PluginLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aw_plugin_load_duration_seconds",
		Help:    "Time from Discovered to Running for a plugin load",
		Buckets: prometheus.DefBuckets,
	})
	HookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aw_hook_duration_seconds",
		Help:    "Hook invocation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"hook"})
	HookTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_hook_timeouts_total",
		Help: "Total hook invocations that exceeded their timeout",
	}, []string{"hook"})
	HeapViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_heap_violations_total",
		Help: "Total sustained heap-ceiling breaches leading to termination",
	}, []string{"plugin"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_circuit_breaker_trips_total",
		Help: "Count of times the bus circuit breaker transitioned to Open",
	})
	StreamLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aw_stream_length",
		Help: "Current length of a bus stream",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(
		EventsPublished, EventsDropped, EventsDebounced,
		USBDaemonState, BusState, LiveDeviceCount,
		PluginState, PluginFailed, PluginLoadDuration,
		HookDuration, HookTimeouts, HeapViolations,
		CircuitBreakerState, CircuitBreakerTrips,
		StreamLength,
	)
}

// StartMetricsServer exposes /metrics alone; prefer StartHTTPServer which
// also wires healthz/readyz.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
