// Copyright 2025 James Ross
package router

import (
	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/usbdaemon"
	"github.com/autoweave/autoweaved/internal/workerhost"
)

// decodeUSBEvent turns a raw aw:hotplug BusMessage into the typed payload a
// Plugin's onUSBAttach/onUSBDetach hook receives. Field names mirror §6's
// wire contract exactly (usbdaemon's Daemon.publish writes these field
// names; the in-process struct names differ). device_descriptor is the
// zstd-compressed blob usbdaemon.EncodeDescriptor produced; manufacturer/
// product/serial_number are also read directly off the message so a
// consumer never needs to decode the blob just to see them.
func decodeUSBEvent(msg bus.BusMessage) workerhost.USBEvent {
	ev := workerhost.USBEvent{
		Signature:    msg.Fields["device_signature"],
		Source:       msg.Fields["source"],
		VendorID:     msg.Fields["vendor_id"],
		ProductID:    msg.Fields["product_id"],
		Manufacturer: msg.Fields["manufacturer"],
		Product:      msg.Fields["product"],
		Serial:       msg.Fields["serial_number"],
		BusNumber:    msg.Fields["bus_number"],
		DeviceAddr:   msg.Fields["device_address"],
		PortPath:     msg.Fields["port_path"],
		TimestampMS:  msg.Fields["timestamp"],
	}
	if ev.Manufacturer == "" && ev.Product == "" && ev.Serial == "" {
		if desc, err := usbdaemon.DecodeDescriptor(msg.Fields["device_descriptor"]); err == nil {
			ev.Manufacturer = desc.Manufacturer
			ev.Product = desc.Product
			ev.Serial = desc.Serial
		}
	}
	return ev
}

func usbAction(msg bus.BusMessage) string {
	return msg.Fields["action"]
}

func decodeJob(msg bus.BusMessage) workerhost.Job {
	queue := msg.Fields["queue"]
	body := make(map[string]string, len(msg.Fields))
	for k, v := range msg.Fields {
		if k == "queue" {
			continue
		}
		body[k] = v
	}
	return workerhost.Job{Queue: queue, Body: body}
}
