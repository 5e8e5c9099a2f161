// Copyright 2025 James Ross
package bus

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedBus wraps a Bus with a token-bucket limiter over Publish,
// shaping the rate at which events enter the bus instead of letting a burst
// (e.g. a USB hub full of devices attaching at once) hit the transport, or
// the backpressure buffer, all in one instant. It replaces the ad hoc
// Redis-INCR limiter pattern with the ecosystem's own limiter, since there
// is no shared counter to rate-limit against here.
type RateLimitedBus struct {
	inner   Bus
	limiter *rate.Limiter
}

// NewRateLimitedBus builds a RateLimitedBus allowing burst publishes up to
// burst before falling back to ratePerSecond steady-state.
func NewRateLimitedBus(inner Bus, ratePerSecond float64, burst int) *RateLimitedBus {
	return &RateLimitedBus{inner: inner, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (b *RateLimitedBus) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return b.inner.Publish(ctx, stream, fields)
}

func (b *RateLimitedBus) CreateGroup(ctx context.Context, stream, group string) error {
	return b.inner.CreateGroup(ctx, stream, group)
}

func (b *RateLimitedBus) Consume(ctx context.Context, stream, group, consumer string, blockTimeout time.Duration) ([]BusMessage, error) {
	return b.inner.Consume(ctx, stream, group, consumer, blockTimeout)
}

func (b *RateLimitedBus) Ack(ctx context.Context, stream, group, streamID string) error {
	return b.inner.Ack(ctx, stream, group, streamID)
}

func (b *RateLimitedBus) Close() error { return b.inner.Close() }
