// Copyright 2025 James Ross
package loader

import (
	"context"

	"github.com/autoweave/autoweaved/internal/manifest"
	"github.com/autoweave/autoweaved/internal/permission"
)

// Worker is the loader's view of a running plugin instance, satisfied by
// workerhost.WorkerHost. The loader only ever calls these three methods —
// it has no knowledge of goroutine isolation, resource enforcement, or
// host-call mediation, all of which live on the worker-host side of this
// boundary.
type Worker interface {
	InstanceID() string

	// Load invokes onLoad and blocks until the worker signals Ready or
	// ctx (scoped to the Ready timeout) is done.
	Load(ctx context.Context) error

	// Unload invokes onUnload and blocks until it completes or ctx
	// (scoped to the drain timeout) is done, in which case the worker is
	// force-terminated and forced is true.
	Unload(ctx context.Context) (forced bool, err error)

	// Terminate forcibly stops the worker without invoking onUnload, used
	// when Load fails or times out.
	Terminate() error
}

// Spawner creates a new Worker for a validated plugin. workerhost.Host
// implements this.
type Spawner interface {
	Spawn(m *manifest.Manifest, ps permission.PermissionSet, tracker *permission.Tracker, instanceID string) (Worker, error)
}
