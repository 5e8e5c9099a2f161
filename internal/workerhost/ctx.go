// Copyright 2025 James Ross
package workerhost

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/permission"
)

// hostCall is one mediated request on its way to the worker's single
// mediation goroutine; the channel is the FIFO-ordering mechanism spec.md
// §4.6 requires for host-call ordering per plugin.
type hostCall struct {
	req    permission.CapabilityRequest
	exec   func() (interface{}, error)
	result chan hostCallResult
}

type hostCallResult struct {
	value interface{}
	err   error
}

// Ctx is the only surface a Plugin hook sees. Every method resolves to a
// CapabilityRequest, mediated through calls — there is no path from a hook
// to HostActions, the filesystem, or the network that bypasses this
// mediation, so a capability not granted is denied at the interface layer,
// not merely hidden.
type Ctx struct {
	calls chan hostCall
	log   *zap.Logger
}

func newCtx(calls chan hostCall, log *zap.Logger) *Ctx {
	return &Ctx{calls: calls, log: log}
}

// Log returns the structured logger granted to every plugin regardless of
// its capability set.
func (c *Ctx) Log() *zap.Logger { return c.log }

func (c *Ctx) dispatch(ctx context.Context, req permission.CapabilityRequest, exec func() (interface{}, error)) (interface{}, error) {
	call := hostCall{req: req, exec: exec, result: make(chan hostCallResult, 1)}
	select {
	case c.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-call.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Ctx) ReadFile(ctx context.Context, path string, actions HostActions) ([]byte, error) {
	v, err := c.dispatch(ctx, permission.FSRequest(path, permission.FSModeRead), func() (interface{}, error) {
		return actions.ReadFile(path)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Ctx) WriteFile(ctx context.Context, path string, data []byte, actions HostActions) error {
	_, err := c.dispatch(ctx, permission.FSRequest(path, permission.FSModeWrite), func() (interface{}, error) {
		return nil, actions.WriteFile(path, data)
	})
	return err
}

func (c *Ctx) DialOut(ctx context.Context, origin string, network, addr string, actions HostActions) (net.Conn, error) {
	v, err := c.dispatch(ctx, permission.NetOutRequest(origin), func() (interface{}, error) {
		return actions.DialContext(ctx, network, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(net.Conn), nil
}

func (c *Ctx) OpenUSB(ctx context.Context, vendorID, productID string, actions HostActions) (USBHandle, error) {
	v, err := c.dispatch(ctx, permission.USBOpenRequest(vendorID, productID), func() (interface{}, error) {
		return actions.OpenUSB(vendorID, productID)
	})
	if err != nil {
		return nil, err
	}
	return v.(USBHandle), nil
}

func (c *Ctx) PublishQueue(ctx context.Context, queue string, body map[string]string, actions HostActions) error {
	_, err := c.dispatch(ctx, permission.QueuePublishRequest(queue), func() (interface{}, error) {
		return nil, actions.PublishQueue(ctx, queue, body)
	})
	return err
}

func (c *Ctx) AllocMemory(ctx context.Context, bytes int64) error {
	_, err := c.dispatch(ctx, permission.MemoryAllocRequest(bytes), func() (interface{}, error) {
		return nil, nil
	})
	return err
}
