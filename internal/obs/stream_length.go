// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/autoweave/autoweaved/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartStreamLengthUpdater samples the hotplug and plugin stream lengths and
// updates the StreamLength gauge. Only meaningful for the Redis Streams bus
// driver; a no-op rdb is not supported, callers should skip this for the
// NATS driver.
func StartStreamLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	streams := []string{cfg.Bus.HotplugStream, cfg.Bus.PluginStream}
	ticker := time.NewTicker(2 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range streams {
					n, err := rdb.XLen(ctx, s).Result()
					if err != nil {
						log.Debug("stream length poll error", String("stream", s), Err(err))
						continue
					}
					StreamLength.WithLabelValues(s).Set(float64(n))
				}
			}
		}
	}()
}
