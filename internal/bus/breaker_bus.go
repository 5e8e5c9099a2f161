// Copyright 2025 James Ross
package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/breaker"
	"github.com/autoweave/autoweaved/internal/obs"
)

// BreakerBus wraps a Bus with a circuit breaker gating Publish: sustained
// publish failures open the breaker so callers fail fast instead of piling
// up on a transport that is already down, rather than relying solely on the
// underlying Bus's own backpressure buffer.
type BreakerBus struct {
	inner Bus
	cb    *breaker.CircuitBreaker
	log   *zap.Logger
}

func NewBreakerBus(inner Bus, cb *breaker.CircuitBreaker, log *zap.Logger) *BreakerBus {
	return &BreakerBus{inner: inner, cb: cb, log: log}
}

func (b *BreakerBus) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if !b.cb.Allow() {
		return "", autoweaveerr.New(autoweaveerr.BusUnavailable, "circuit breaker open, publish refused")
	}
	id, err := b.inner.Publish(ctx, stream, fields)
	b.record(err == nil)
	return id, err
}

func (b *BreakerBus) record(ok bool) {
	before := b.cb.State()
	b.cb.Record(ok)
	after := b.cb.State()
	obs.CircuitBreakerState.Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
		b.log.Warn("bus circuit breaker opened", zap.String("state", after.String()))
	}
}

func (b *BreakerBus) CreateGroup(ctx context.Context, stream, group string) error {
	return b.inner.CreateGroup(ctx, stream, group)
}

func (b *BreakerBus) Consume(ctx context.Context, stream, group, consumer string, blockTimeout time.Duration) ([]BusMessage, error) {
	return b.inner.Consume(ctx, stream, group, consumer, blockTimeout)
}

func (b *BreakerBus) Ack(ctx context.Context, stream, group, streamID string) error {
	return b.inner.Ack(ctx, stream, group, streamID)
}

func (b *BreakerBus) Close() error { return b.inner.Close() }
