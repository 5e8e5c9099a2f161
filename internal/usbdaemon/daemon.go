// Copyright 2025 James Ross
package usbdaemon

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/obs"
)

// Daemon owns the live-device index and the attach/detach event pipeline
// described in spec.md §4.4: enumerate, subscribe to a primary source with
// a mandatory fallback, debounce, verify state consistency, extract
// descriptors under a bounded timeout, update the index, and publish.
type Daemon struct {
	primary  Source
	fallback Source
	active   Source

	b      bus.Bus
	stream string

	debounce          time.Duration
	descriptorTimeout time.Duration

	log *zap.Logger

	index *liveIndex

	mu           sync.Mutex
	state        DaemonState
	lastAction   map[string]time.Time // signature -> last accepted event time, for debounce
	lastActionMu sync.Mutex
}

// NewDaemon wires a primary and fallback Source to a Bus. fallback must
// never be nil; spec.md §4.4 requires one always be available.
func NewDaemon(primary, fallback Source, b bus.Bus, stream string, debounce, descriptorTimeout time.Duration, log *zap.Logger) *Daemon {
	return &Daemon{
		primary:           primary,
		fallback:          fallback,
		b:                 b,
		stream:            stream,
		debounce:          debounce,
		descriptorTimeout: descriptorTimeout,
		log:               log,
		index:             newLiveIndex(),
		lastAction:        make(map[string]time.Time),
	}
}

func (d *Daemon) State() DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s DaemonState) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed {
		obs.USBDaemonState.Set(daemonStateValue(s))
		d.log.Warn("usb daemon state changed", zap.String("state", s.String()))
	}
}

func daemonStateValue(s DaemonState) float64 {
	switch s {
	case StateDegraded:
		return 1
	case StateOffline:
		return 2
	default:
		return 0
	}
}

// LiveDeviceCount returns the current index size.
func (d *Daemon) LiveDeviceCount() int { return d.index.len() }

// Snapshot returns every currently attached device.
func (d *Daemon) Snapshot() []Device { return d.index.snapshot() }

// Run enumerates current devices, then services whichever source is active
// until ctx is canceled, promoting the fallback if the primary's event
// channel closes and going Offline if the fallback's closes too.
func (d *Daemon) Run(ctx context.Context) error {
	d.active = d.primary
	if err := d.reconcile(ctx, d.primary); err != nil {
		d.log.Warn("primary enumeration failed, falling back", zap.Error(err))
		d.active = d.fallback
		if err := d.reconcile(ctx, d.fallback); err != nil {
			d.setState(StateOffline)
			return autoweaveerr.Wrap(autoweaveerr.USBEnumerationFailed, "both sources failed to enumerate", err)
		}
		d.setState(StateDegraded)
	} else {
		d.setState(StateHealthy)
	}

	for {
		events := d.active.Events()
		drained := d.serviceSource(ctx, events)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !drained {
			return nil
		}
		// Channel closed: the active source died. Promote fallback if we
		// were on primary; go Offline if we were already on fallback.
		if d.active == d.primary {
			d.log.Warn("primary usb source closed, promoting fallback")
			d.active = d.fallback
			if err := d.reconcile(ctx, d.fallback); err != nil {
				d.setState(StateOffline)
				return autoweaveerr.Wrap(autoweaveerr.USBSourceUnavailable, "fallback enumeration failed after primary loss", err)
			}
			d.setState(StateDegraded)
			continue
		}
		d.setState(StateOffline)
		return autoweaveerr.New(autoweaveerr.USBSourceUnavailable, "fallback source closed; no source usable")
	}
}

// serviceSource reads events until the channel closes or ctx is done.
// Returns true if it stopped because the channel closed (source died),
// false if ctx was canceled.
func (d *Daemon) serviceSource(ctx context.Context, events <-chan RawEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			d.processEvent(ctx, ev)
		}
	}
}

// reconcile re-enumerates src and republishes attach events for any device
// not already present in the index, per the Offline-restart requirement.
func (d *Daemon) reconcile(ctx context.Context, src Source) error {
	events, err := src.Enumerate(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		sig := Signature(ev.VendorID, ev.ProductID, ev.Bus, ev.Address)
		if _, attached := d.index.get(sig); attached {
			continue
		}
		d.processEvent(ctx, ev)
	}
	return nil
}

func (d *Daemon) processEvent(ctx context.Context, ev RawEvent) {
	sig := Signature(ev.VendorID, ev.ProductID, ev.Bus, ev.Address)

	if d.isDebounced(sig, ev.Action) {
		obs.EventsDebounced.Inc()
		return
	}

	existing, attached := d.index.get(sig)
	if ev.Action == Attach && attached {
		return
	}
	if ev.Action == Detach && !attached {
		return
	}

	var desc Descriptor
	portPath := ev.PortPath
	if ev.Action == Attach {
		desc = d.extractDescriptor(ctx, ev)
	} else {
		desc = existing.Descriptor
		if portPath == "" {
			portPath = existing.PortPath
		}
	}

	dev := Device{
		Signature:  sig,
		VendorID:   ev.VendorID,
		ProductID:  ev.ProductID,
		Bus:        ev.Bus,
		Address:    ev.Address,
		PortPath:   portPath,
		Descriptor: desc,
		Attached:   ev.Action == Attach,
	}

	if ev.Action == Attach {
		d.index.put(dev)
	} else {
		d.index.remove(sig)
	}
	obs.LiveDeviceCount.Set(float64(d.index.len()))

	d.publish(ctx, dev, ev.Action)
}

// isDebounced keys the window on the device signature alone, not on
// signature+action: spec.md S3 requires a detach immediately following an
// attach (a connector bounce) to net zero new events, so any event for a
// signature that already had an accepted event within the window is
// suppressed regardless of whether its action matches or flips. Only the
// first event in a window is accepted; it does not reset on every
// suppressed bounce, so a steady stream of flapping still eventually lets
// one event through once the window elapses.
func (d *Daemon) isDebounced(signature string, action Action) bool {
	now := time.Now()

	d.lastActionMu.Lock()
	defer d.lastActionMu.Unlock()
	if last, ok := d.lastAction[signature]; ok && now.Sub(last) < d.debounce {
		return true
	}
	d.lastAction[signature] = now
	return false
}

func (d *Daemon) extractDescriptor(ctx context.Context, ev RawEvent) Descriptor {
	type result struct {
		desc Descriptor
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		desc, err := d.active.ExtractDescriptor(ctx, ev)
		resCh <- result{desc, err}
	}()

	timer := time.NewTimer(d.descriptorTimeout)
	defer timer.Stop()
	select {
	case r := <-resCh:
		if r.err != nil {
			return Descriptor{}
		}
		return r.desc
	case <-timer.C:
		return Descriptor{}
	}
}

// publish writes the aw:hotplug wire contract verbatim: source, action,
// vendor_id, product_id, device_signature, manufacturer, product,
// serial_number, bus_number, device_address, port_path, timestamp,
// device_descriptor. device_descriptor carries the same three descriptor
// strings again as a compressed opaque blob; manufacturer/product/
// serial_number are exposed individually so a consumer never needs to
// decompress it just to route on them.
func (d *Daemon) publish(ctx context.Context, dev Device, action Action) {
	descriptor, err := EncodeDescriptor(dev.Descriptor)
	if err != nil {
		d.log.Warn("device descriptor encode failed", zap.String("signature", dev.Signature), zap.Error(err))
	}
	source := "primary"
	if d.active == d.fallback {
		source = "fallback"
	}
	fields := map[string]string{
		"source":            source,
		"action":            action.String(),
		"vendor_id":         dev.VendorID,
		"product_id":        dev.ProductID,
		"device_signature":  dev.Signature,
		"manufacturer":      dev.Descriptor.Manufacturer,
		"product":           dev.Descriptor.Product,
		"serial_number":     dev.Descriptor.Serial,
		"bus_number":        strconv.Itoa(dev.Bus),
		"device_address":    strconv.Itoa(dev.Address),
		"port_path":         dev.PortPath,
		"timestamp":         strconv.FormatInt(time.Now().UnixMilli(), 10),
		"device_descriptor": descriptor,
	}
	if _, err := d.b.Publish(ctx, d.stream, fields); err != nil {
		d.log.Warn("usb event publish failed", zap.String("signature", dev.Signature), zap.Error(err))
	}
}

func (d *Daemon) Close() error {
	var errs []error
	if d.primary != nil {
		if err := d.primary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.fallback != nil {
		if err := d.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("usb daemon close: %v", errs)
	}
	return nil
}
