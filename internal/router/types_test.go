// Copyright 2025 James Ross
package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/usbdaemon"
)

func TestDecodeUSBEventDecompressesDescriptor(t *testing.T) {
	blob, err := usbdaemon.EncodeDescriptor(usbdaemon.Descriptor{
		Manufacturer: "Acme Co",
		Product:      "Widget",
		Serial:       "SN-1",
	})
	require.NoError(t, err)

	ev := decodeUSBEvent(bus.BusMessage{Fields: map[string]string{
		"device_signature":  "abc",
		"vendor_id":         "0x1d6b",
		"product_id":        "0x0002",
		"device_descriptor": blob,
	}})

	assert.Equal(t, "Acme Co", ev.Manufacturer)
	assert.Equal(t, "Widget", ev.Product)
	assert.Equal(t, "SN-1", ev.Serial)
}

func TestDecodeUSBEventPrefersTopLevelDescriptorFields(t *testing.T) {
	blob, err := usbdaemon.EncodeDescriptor(usbdaemon.Descriptor{
		Manufacturer: "Stale Co",
		Product:      "Stale Widget",
		Serial:       "SN-STALE",
	})
	require.NoError(t, err)

	ev := decodeUSBEvent(bus.BusMessage{Fields: map[string]string{
		"device_signature":  "abc",
		"manufacturer":      "Acme Co",
		"product":           "Widget",
		"serial_number":     "SN-1",
		"device_descriptor": blob,
	}})

	assert.Equal(t, "Acme Co", ev.Manufacturer)
	assert.Equal(t, "Widget", ev.Product)
	assert.Equal(t, "SN-1", ev.Serial)
}

func TestDecodeUSBEventToleratesMissingDescriptor(t *testing.T) {
	ev := decodeUSBEvent(bus.BusMessage{Fields: map[string]string{
		"device_signature": "abc",
		"vendor_id":        "0x1d6b",
		"product_id":       "0x0002",
	}})

	assert.Empty(t, ev.Manufacturer)
}

func TestDecodeUSBEventReadsSourceAndTimestamp(t *testing.T) {
	ev := decodeUSBEvent(bus.BusMessage{Fields: map[string]string{
		"device_signature": "abc",
		"source":           "fallback",
		"bus_number":       "1",
		"device_address":   "2",
		"port_path":        "1-1.2",
		"timestamp":        "1700000000000",
	}})

	assert.Equal(t, "fallback", ev.Source)
	assert.Equal(t, "1", ev.BusNumber)
	assert.Equal(t, "2", ev.DeviceAddr)
	assert.Equal(t, "1-1.2", ev.PortPath)
	assert.Equal(t, "1700000000000", ev.TimestampMS)
}
