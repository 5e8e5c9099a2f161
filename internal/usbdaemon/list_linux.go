// Copyright 2025 James Ross

//go:build linux

package usbdaemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysDeviceList is a ListFunc backed by a sysfs walk of
// /sys/bus/usb/devices, the portable (no cgo/libusb) way to enumerate USB
// devices on Linux: each device directory exposes idVendor/idProduct/
// busnum/devnum as plain text files.
func SysDeviceList(ctx context.Context) ([]DeviceSnapshot, error) {
	const root = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]DeviceSnapshot, 0, len(entries))
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		dir := filepath.Join(root, e.Name())
		vendor, ok := readHexField(dir, "idVendor")
		if !ok {
			continue
		}
		product, ok := readHexField(dir, "idProduct")
		if !ok {
			continue
		}
		bus := readIntField(dir, "busnum")
		addr := readIntField(dir, "devnum")
		out = append(out, DeviceSnapshot{VendorID: vendor, ProductID: product, Bus: bus, Address: addr, PortPath: e.Name()})
	}
	return out, nil
}

func readHexField(dir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	return "0x" + strings.TrimSpace(string(data)), true
}

func readIntField(dir, name string) int {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}
