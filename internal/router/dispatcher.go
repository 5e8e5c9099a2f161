// Copyright 2025 James Ross
package router

import (
	"context"

	"github.com/autoweave/autoweaved/internal/workerhost"
)

// Dispatcher is the narrow surface the Router needs from a running plugin
// instance. loader.Worker only exposes lifecycle methods (Load/Unload/
// Terminate); workerhost.WorkerHost additionally implements Dispatcher, so
// the Router recovers it with a type assertion per record rather than
// widening the loader/workerhost boundary for every caller of loader.Worker.
type Dispatcher interface {
	InstanceID() string
	Deliver(ctx context.Context, hook string, fn func(context.Context, workerhost.Plugin, *workerhost.Ctx) error) error
}
