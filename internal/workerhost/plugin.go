// Copyright 2025 James Ross
package workerhost

import "context"

// USBEvent is the payload delivered to OnUSBAttach/OnUSBDetach, decoded
// from a bus.BusMessage by the router. Fields mirror the USBDevice snapshot
// an aw:hotplug message carries.
type USBEvent struct {
	Signature    string
	Source       string // primary|fallback
	VendorID     string
	ProductID    string
	Manufacturer string
	Product      string
	Serial       string
	BusNumber    string
	DeviceAddr   string
	PortPath     string
	TimestampMS  string
}

// Job is the payload delivered to OnJobReceived.
type Job struct {
	Queue string
	Body  map[string]string
}

// Plugin is the Go-native hook surface a loaded plugin implements. There is
// no embedded scripting or WASM runtime in this host: a plugin is ordinary
// Go code built against this interface and supplied to Spawn via a
// PluginFactory, with isolation enforced at the goroutine/ctx boundary
// rather than by executing untrusted bytecode.
//
// A plugin that embeds BasePlugin need only implement the hooks it uses;
// the others resolve to BasePlugin's no-ops. Hooks run with the Ctx scoped to exactly the
// capabilities the manifest granted.
type Plugin interface {
	OnLoad(ctx context.Context, hc *Ctx) error
	OnUnload(ctx context.Context, hc *Ctx) error
	OnUSBAttach(ctx context.Context, hc *Ctx, ev USBEvent) error
	OnUSBDetach(ctx context.Context, hc *Ctx, ev USBEvent) error
	OnJobReceived(ctx context.Context, hc *Ctx, job Job) error
}

// BasePlugin is embeddable so a concrete plugin only needs to implement
// the hooks its manifest declares.
type BasePlugin struct{}

func (BasePlugin) OnLoad(ctx context.Context, hc *Ctx) error                   { return nil }
func (BasePlugin) OnUnload(ctx context.Context, hc *Ctx) error                 { return nil }
func (BasePlugin) OnUSBAttach(ctx context.Context, hc *Ctx, ev USBEvent) error { return nil }
func (BasePlugin) OnUSBDetach(ctx context.Context, hc *Ctx, ev USBEvent) error { return nil }
func (BasePlugin) OnJobReceived(ctx context.Context, hc *Ctx, job Job) error   { return nil }

// PluginFactory constructs the Plugin implementation for a given manifest
// entry point. The reference host resolves entries to in-process Go
// plugins registered by name; a deployment that needs genuine out-of-tree
// plugin code loads it via Go's plugin package or a registered factory
// function, behind this same seam.
type PluginFactory func(entry string) (Plugin, error)
