// Copyright 2025 James Ross
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/obs"
)

// RedisStreamsBus is the reference Bus implementation: Redis Streams with
// consumer groups, at-least-once delivery via XREADGROUP/XACK, and a
// bounded local buffer that absorbs publishes while the daemon is Degraded.
type RedisStreamsBus struct {
	client *redis.Client
	log    *zap.Logger

	mu    sync.RWMutex
	state State
	buf   *backpressureBuffer
}

func NewRedisStreamsBus(client *redis.Client, bufferCapacity int, log *zap.Logger) *RedisStreamsBus {
	return &RedisStreamsBus{
		client: client,
		log:    log,
		state:  Healthy,
		buf:    newBackpressureBuffer(bufferCapacity),
	}
}

func (b *RedisStreamsBus) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *RedisStreamsBus) setState(s State) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()
	if changed {
		obs.BusState.Set(stateValue(s))
		b.log.Warn("bus state changed", zap.String("state", s.String()))
	}
}

func stateValue(s State) float64 {
	if s == Degraded {
		return 1
	}
	return 0
}

// Publish appends fields to stream via XADD. On transport failure it
// buffers the message (oldest-drop if full), flips to Degraded, and
// returns the Unavailable error so callers can react per §4.3.
func (b *RedisStreamsBus) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
	if err != nil {
		if dropped := b.buf.push(stream, fields); dropped {
			obs.EventsDropped.WithLabelValues("backpressure").Inc()
		}
		b.setState(Degraded)
		return "", autoweaveerr.Wrap(autoweaveerr.BusUnavailable, "XADD failed", err)
	}
	b.setState(Healthy)
	obs.EventsPublished.WithLabelValues(stream).Inc()
	return id, nil
}

// FlushBuffered retries every buffered publish against the live transport,
// in FIFO order, after a reconnect. Entries that still fail are re-buffered
// rather than lost, preserving per-stream order.
func (b *RedisStreamsBus) FlushBuffered(ctx context.Context) error {
	pending := b.buf.drain()
	for i, p := range pending {
		if _, err := b.Publish(ctx, p.stream, p.fields); err != nil {
			// Publish has re-buffered p; keep the rest behind it in order.
			for _, rest := range pending[i+1:] {
				if dropped := b.buf.push(rest.stream, rest.fields); dropped {
					obs.EventsDropped.WithLabelValues("backpressure").Inc()
				}
			}
			return err
		}
	}
	return nil
}

func (b *RedisStreamsBus) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return autoweaveerr.Wrap(autoweaveerr.BusUnavailable, "XGROUP CREATE failed", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (b *RedisStreamsBus) Consume(ctx context.Context, stream, group, consumer string, blockTimeout time.Duration) ([]BusMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    64,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		b.setState(Degraded)
		return nil, autoweaveerr.Wrap(autoweaveerr.BusUnavailable, "XREADGROUP failed", err)
	}
	b.setState(Healthy)

	var out []BusMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			out = append(out, BusMessage{StreamID: msg.ID, Fields: fields})
		}
	}
	return out, nil
}

func (b *RedisStreamsBus) Ack(ctx context.Context, stream, group, streamID string) error {
	if err := b.client.XAck(ctx, stream, group, streamID).Err(); err != nil {
		return autoweaveerr.Wrap(autoweaveerr.BusUnavailable, "XACK failed", err)
	}
	return nil
}

func (b *RedisStreamsBus) Close() error {
	return b.client.Close()
}

// Length reports the stream length, used by obs.StartStreamLengthUpdater.
func (b *RedisStreamsBus) Length(ctx context.Context, stream string) (int64, error) {
	info, err := b.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return info.Length, nil
}

func (b *RedisStreamsBus) DroppedCount() uint64 { return b.buf.droppedCount() }
