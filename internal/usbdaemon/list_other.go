// Copyright 2025 James Ross

//go:build !linux

package usbdaemon

import "context"

// SysDeviceList has no portable implementation outside Linux's sysfs; it
// reports an empty snapshot so PollingSource degrades to "no devices"
// rather than failing, leaving descriptor extraction and attach/detach
// diffing untouched for a platform-specific Source to supply later.
func SysDeviceList(ctx context.Context) ([]DeviceSnapshot, error) {
	return nil, nil
}
