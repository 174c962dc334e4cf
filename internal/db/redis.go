package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/helpdesk/internal/config"
)

// OpenRedis connects the client shared by the session store, notification
// queue, idempotency keys, rate limiter and push bridge.
func OpenRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	if err := waitReady(cfg.DialTimeout, ping); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}
