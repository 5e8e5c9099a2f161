// Copyright 2025 James Ross
package usbdaemon

import "context"

// Source abstracts the host's USB notification mechanism. The reference
// implementation targets an OS hot-plug callback as the primary source;
// no dependency in this corpus provides native libusb/hotplug bindings, so
// Source is injectable and the daemon ships a portable polling fallback
// (PollingSource) alongside it. A platform-specific primary satisfying this
// interface (cgo callback bridge, netlink listener, IOKit notification,
// etc.) can be supplied at deployment time without touching the daemon.
type Source interface {
	// Name identifies the source for logging and lifecycle metadata.
	Name() string

	// Enumerate returns an attach RawEvent for every device currently
	// visible to the host.
	Enumerate(ctx context.Context) ([]RawEvent, error)

	// Events returns a channel of RawEvents pushed as they occur. The
	// channel is closed when the source stops; a closed channel with no
	// error is how the daemon detects the source failed and should
	// promote its fallback.
	Events() <-chan RawEvent

	// ExtractDescriptor reads string descriptors for the device named by
	// ev. Callers apply their own bounded timeout around this call.
	ExtractDescriptor(ctx context.Context, ev RawEvent) (Descriptor, error)

	// Close stops the source and releases any underlying resources.
	Close() error
}
