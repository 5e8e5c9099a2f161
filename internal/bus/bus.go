// Copyright 2025 James Ross
package bus

import (
	"context"
	"time"
)

// BusMessage is a single entry read back from a stream, already detached
// from the underlying transport's native representation.
type BusMessage struct {
	StreamID string
	Fields   map[string]string
}

// Bus is the Event Bus Adapter contract: a named append-only log with
// consumer groups. Redis Streams is the reference target; any transport
// satisfying at-least-once delivery, monotone streamIds, and the durability
// window below may implement it — see redisstreams.go and natsjs.go.
type Bus interface {
	// Publish appends fields to stream and returns the assigned streamId.
	// Implementations buffer bounded and apply oldest-drop under
	// backpressure rather than blocking the caller indefinitely.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup is idempotent: calling it for a group that already
	// exists on stream is not an error.
	CreateGroup(ctx context.Context, stream, group string) error

	// Consume blocks up to blockTimeout waiting for new messages on
	// stream for group/consumer, returning whatever arrived (possibly
	// none, never an error purely for "nothing arrived").
	Consume(ctx context.Context, stream, group, consumer string, blockTimeout time.Duration) ([]BusMessage, error)

	// Ack acknowledges streamId within group on stream.
	Ack(ctx context.Context, stream, group, streamID string) error

	// Close releases the underlying transport connection.
	Close() error
}

// State is the bus-health state the daemon surfaces (spec §4.3/§4.4):
// Healthy while publish/consume round-trip the transport, Degraded while
// buffering locally because the transport is unreachable.
type State int

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "healthy"
}
