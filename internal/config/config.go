// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/autoweave/autoweaved/internal/manifest"
)

type Redis struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

func (r Redis) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type NATS struct {
	URL string `mapstructure:"url"`
}

type Bus struct {
	Driver             string        `mapstructure:"driver"` // redis|nats
	HotplugStream      string        `mapstructure:"hotplug_stream"`
	PluginStream       string        `mapstructure:"plugin_stream"`
	GroupName          string        `mapstructure:"group_name"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	BackpressureBuffer int           `mapstructure:"backpressure_buffer"`
}

type USBDaemon struct {
	DebounceMS           int    `mapstructure:"debounce_ms"`
	DescriptorTimeoutMS  int    `mapstructure:"descriptor_timeout_ms"`
	Fallback             string `mapstructure:"fallback"` // auto|on|off
	ReconcileCron        string `mapstructure:"reconcile_cron"`
}

func (u USBDaemon) Debounce() time.Duration {
	return time.Duration(u.DebounceMS) * time.Millisecond
}

func (u USBDaemon) DescriptorTimeout() time.Duration {
	return time.Duration(u.DescriptorTimeoutMS) * time.Millisecond
}

type Plugin struct {
	Dir                 string `mapstructure:"dir"`
	ReloadDebounceMS    int    `mapstructure:"reload_debounce_ms"`
	RescanCron          string `mapstructure:"rescan_cron"`
	SignatureDenylist   []string `mapstructure:"signature_denylist"`
}

func (p Plugin) ReloadDebounce() time.Duration {
	return time.Duration(p.ReloadDebounceMS) * time.Millisecond
}

type Hooks struct {
	OnLoadTimeoutMS    int `mapstructure:"onload_timeout_ms"`
	OnUnloadTimeoutMS  int `mapstructure:"onunload_timeout_ms"`
	EventTimeoutMS     int `mapstructure:"event_timeout_ms"`
	ReadyTimeoutMS     int `mapstructure:"ready_timeout_ms"`
}

func (h Hooks) OnLoadTimeout() time.Duration   { return time.Duration(h.OnLoadTimeoutMS) * time.Millisecond }
func (h Hooks) OnUnloadTimeout() time.Duration { return time.Duration(h.OnUnloadTimeoutMS) * time.Millisecond }
func (h Hooks) EventTimeout() time.Duration    { return time.Duration(h.EventTimeoutMS) * time.Millisecond }
func (h Hooks) ReadyTimeout() time.Duration    { return time.Duration(h.ReadyTimeoutMS) * time.Millisecond }

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort  int           `mapstructure:"metrics_port"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFile      string        `mapstructure:"log_file"`
	Tracing      TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	NATS           NATS           `mapstructure:"nats"`
	Bus            Bus            `mapstructure:"bus"`
	USBDaemon      USBDaemon      `mapstructure:"usb_daemon"`
	Plugin         Plugin         `mapstructure:"plugin"`
	Hooks          Hooks          `mapstructure:"hooks"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	ShutdownBudgetMS int          `mapstructure:"shutdown_budget_ms"`
}

func (c Config) ShutdownBudget() time.Duration {
	return time.Duration(c.ShutdownBudgetMS) * time.Millisecond
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{Host: "localhost", Port: 6379, DB: 0},
		NATS:  NATS{URL: "nats://localhost:4222"},
		Bus: Bus{
			Driver:             "redis",
			HotplugStream:      "aw:hotplug",
			PluginStream:       "aw:plugin",
			GroupName:          "autoweaved",
			PublishTimeout:     5 * time.Second,
			BackpressureBuffer: 1024,
		},
		USBDaemon: USBDaemon{
			DebounceMS:          50,
			DescriptorTimeoutMS: 200,
			Fallback:            "auto",
			ReconcileCron:       "@every 30s",
		},
		Plugin: Plugin{
			Dir:               "./plugins",
			ReloadDebounceMS:  250,
			RescanCron:        "@every 1m",
			SignatureDenylist: []string{"**/.git/**", "**/*.tmp", "**/node_modules/**", "**/" + manifest.ManifestFilename},
		},
		Hooks: Hooks{
			OnLoadTimeoutMS:   10000,
			OnUnloadTimeoutMS: 5000,
			EventTimeoutMS:    2000,
			ReadyTimeoutMS:    10000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
		ShutdownBudgetMS: 30000,
	}
}

// Load reads configuration from an optional YAML file layered under env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.host", def.Redis.Host)
	v.SetDefault("redis.port", def.Redis.Port)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("nats.url", def.NATS.URL)

	v.SetDefault("bus.driver", def.Bus.Driver)
	v.SetDefault("bus.hotplug_stream", def.Bus.HotplugStream)
	v.SetDefault("bus.plugin_stream", def.Bus.PluginStream)
	v.SetDefault("bus.group_name", def.Bus.GroupName)
	v.SetDefault("bus.publish_timeout", def.Bus.PublishTimeout)
	v.SetDefault("bus.backpressure_buffer", def.Bus.BackpressureBuffer)

	v.SetDefault("usb_daemon.debounce_ms", def.USBDaemon.DebounceMS)
	v.SetDefault("usb_daemon.descriptor_timeout_ms", def.USBDaemon.DescriptorTimeoutMS)
	v.SetDefault("usb_daemon.fallback", def.USBDaemon.Fallback)
	v.SetDefault("usb_daemon.reconcile_cron", def.USBDaemon.ReconcileCron)

	v.SetDefault("plugin.dir", def.Plugin.Dir)
	v.SetDefault("plugin.reload_debounce_ms", def.Plugin.ReloadDebounceMS)
	v.SetDefault("plugin.rescan_cron", def.Plugin.RescanCron)
	v.SetDefault("plugin.signature_denylist", def.Plugin.SignatureDenylist)

	v.SetDefault("hooks.onload_timeout_ms", def.Hooks.OnLoadTimeoutMS)
	v.SetDefault("hooks.onunload_timeout_ms", def.Hooks.OnUnloadTimeoutMS)
	v.SetDefault("hooks.event_timeout_ms", def.Hooks.EventTimeoutMS)
	v.SetDefault("hooks.ready_timeout_ms", def.Hooks.ReadyTimeoutMS)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("shutdown_budget_ms", def.ShutdownBudgetMS)

	// explicit env bindings for the names §6 spells out literally
	bindings := map[string]string{
		"redis.host":                     "REDIS_HOST",
		"redis.port":                     "REDIS_PORT",
		"redis.db":                       "REDIS_DB",
		"redis.password":                 "REDIS_PASSWORD",
		"usb_daemon.debounce_ms":         "USB_DAEMON_DEBOUNCE_MS",
		"usb_daemon.descriptor_timeout_ms": "USB_DAEMON_DESCRIPTOR_TIMEOUT_MS",
		"usb_daemon.fallback":            "USB_DAEMON_FALLBACK",
		"plugin.dir":                     "PLUGIN_DIR",
		"plugin.reload_debounce_ms":      "PLUGIN_RELOAD_DEBOUNCE_MS",
		"hooks.onload_timeout_ms":        "HOOK_ONLOAD_TIMEOUT_MS",
		"hooks.onunload_timeout_ms":      "HOOK_ONUNLOAD_TIMEOUT_MS",
		"hooks.event_timeout_ms":         "HOOK_EVENT_TIMEOUT_MS",
		"shutdown_budget_ms":             "SHUTDOWN_BUDGET_MS",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.USBDaemon.DebounceMS < 0 {
		return fmt.Errorf("usb_daemon.debounce_ms must be >= 0")
	}
	if cfg.USBDaemon.DescriptorTimeoutMS < 0 {
		return fmt.Errorf("usb_daemon.descriptor_timeout_ms must be >= 0")
	}
	switch cfg.USBDaemon.Fallback {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("usb_daemon.fallback must be auto|on|off")
	}
	if cfg.Plugin.Dir == "" {
		return fmt.Errorf("plugin.dir must be set")
	}
	if cfg.Plugin.ReloadDebounceMS < 0 {
		return fmt.Errorf("plugin.reload_debounce_ms must be >= 0")
	}
	switch cfg.Bus.Driver {
	case "redis", "nats":
	default:
		return fmt.Errorf("bus.driver must be redis|nats")
	}
	if cfg.Bus.HotplugStream == "" || cfg.Bus.PluginStream == "" {
		return fmt.Errorf("bus.hotplug_stream and bus.plugin_stream must be set")
	}
	if cfg.Bus.HotplugStream == cfg.Bus.PluginStream {
		return fmt.Errorf("bus.hotplug_stream and bus.plugin_stream must be distinct")
	}
	if cfg.Bus.BackpressureBuffer <= 0 {
		return fmt.Errorf("bus.backpressure_buffer must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.ShutdownBudgetMS <= 0 {
		return fmt.Errorf("shutdown_budget_ms must be > 0")
	}
	return nil
}
