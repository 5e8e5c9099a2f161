// Copyright 2025 James Ross
package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*RedisStreamsBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStreamsBus(client, 4, zap.NewNop()), mr
}

func TestPublishConsumeAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.CreateGroup(ctx, "aw:hotplug", "autoweaved"))
	// idempotent
	require.NoError(t, b.CreateGroup(ctx, "aw:hotplug", "autoweaved"))

	id, err := b.Publish(ctx, "aw:hotplug", map[string]string{"signature": "abc123", "action": "attach"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := b.Consume(ctx, "aw:hotplug", "autoweaved", "c1", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "abc123", msgs[0].Fields["signature"])

	require.NoError(t, b.Ack(ctx, "aw:hotplug", "autoweaved", msgs[0].StreamID))
}

func TestConsumeNoMessagesReturnsEmptyNotError(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, b.CreateGroup(ctx, "aw:plugin", "autoweaved"))

	msgs, err := b.Consume(ctx, "aw:plugin", "autoweaved", "c1", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPublishBuffersOnUnavailableTransport(t *testing.T) {
	b, mr := newTestBus(t)
	mr.Close()

	_, err := b.Publish(context.Background(), "aw:hotplug", map[string]string{"a": "1"})
	require.Error(t, err)
	require.Equal(t, Degraded, b.State())
	require.Equal(t, 1, b.buf.len())
}

func TestBackpressureBufferOldestDrop(t *testing.T) {
	buf := newBackpressureBuffer(2)
	require.False(t, buf.push("s", map[string]string{"n": "1"}))
	require.False(t, buf.push("s", map[string]string{"n": "2"}))
	require.True(t, buf.push("s", map[string]string{"n": "3"}), "buffer at capacity must drop oldest")

	items := buf.drain()
	require.Len(t, items, 2)
	require.Equal(t, "2", items[0].fields["n"])
	require.Equal(t, "3", items[1].fields["n"])
	require.EqualValues(t, 1, buf.droppedCount())
}
