// Copyright 2025 James Ross
package redisclient

import (
	"runtime"
	"time"

	"github.com/autoweave/autoweaved/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis v9 client sized for the bus connection pool.
func New(cfg *config.Config) *redis.Client {
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		MinIdleConns: runtime.NumCPU(),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
}
