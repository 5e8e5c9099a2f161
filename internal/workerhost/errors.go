// Copyright 2025 James Ross
package workerhost

import "github.com/autoweave/autoweaved/internal/autoweaveerr"

var errUSBOpenUnsupported = autoweaveerr.New(autoweaveerr.USBSourceUnavailable, "no platform USB open implementation wired")
