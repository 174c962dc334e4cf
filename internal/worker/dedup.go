package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records which events a queue has already handled. An event is
// marked only after its handler succeeded, so a delivery that dies mid-way
// is processed again on redelivery.
type Deduper interface {
	Seen(ctx context.Context, queue, eventID string) (bool, error)
	Mark(ctx context.Context, queue, eventID string) error
}

type RedisDeduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisDeduper(rdb redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func dedupKey(queue, eventID string) string { return "processed:" + queue + ":" + eventID }

func (d *RedisDeduper) Seen(ctx context.Context, queue, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, dedupKey(queue, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, queue, eventID string) error {
	return d.rdb.Set(ctx, dedupKey(queue, eventID), "1", d.ttl).Err()
}
