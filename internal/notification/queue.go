// Package notification keeps a bounded per-user list of pending
// notifications plus an unread counter in Redis. The counter is incremented on
// every enqueue and is not reduced when the list trims its oldest entries, so
// it reads as "at least this many unread".
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/metrics"
	"github.com/jmehdipour/helpdesk/internal/model"
)

const (
	DefaultCapacity = 100
	DefaultTTL      = 7 * 24 * time.Hour
)

var ErrNotFound = errors.New("notification not found")

func pendingKey(userID int64) string {
	return "notifications:" + strconv.FormatInt(userID, 10) + ":pending"
}

func unreadKey(userID int64) string {
	return "notifications:" + strconv.FormatInt(userID, 10) + ":unread_count"
}

// removeByID deletes the first entry whose id matches and decrements the
// counter, deleting it once it reaches zero.
var removeByID = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, n = pcall(cjson.decode, raw)
  if ok and type(n) == 'table' and n['id'] == ARGV[1] then
    redis.call('LREM', KEYS[1], 1, raw)
    local c = redis.call('DECR', KEYS[2])
    if c <= 0 then
      redis.call('DEL', KEYS[2])
    end
    return 1
  end
end
return 0
`)

type Queue struct {
	rdb      redis.UniversalClient
	log      *zap.Logger
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewQueue(rdb redis.UniversalClient, capacity int, ttl time.Duration, log *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{rdb: rdb, log: log, capacity: capacity, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue appends n, keeps the newest entries up to capacity and bumps the
// unread counter. Both keys get their TTL refreshed.
func (q *Queue) Enqueue(ctx context.Context, userID int64, n model.Notification) (model.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return n, err
	}

	pk, uk := pendingKey(userID), unreadKey(userID)
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, pk, raw)
		p.LTrim(ctx, pk, int64(-q.capacity), -1)
		p.Expire(ctx, pk, q.ttl)
		p.Incr(ctx, uk)
		p.Expire(ctx, uk, q.ttl)
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("enqueue notification: %w", err)
	}
	metrics.NotificationsEnqueued.WithLabelValues(n.Type).Inc()
	return n, nil
}

// GetPending returns the user's notifications oldest first.
func (q *Queue) GetPending(ctx context.Context, userID int64) ([]model.Notification, error) {
	items, err := q.rdb.LRange(ctx, pendingKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	out := make([]model.Notification, 0, len(items))
	for _, raw := range items {
		var n model.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			q.log.Warn("skipping corrupt notification", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (q *Queue) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	v, err := q.rdb.Get(ctx, unreadKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read unread count: %w", err)
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

// MarkDelivered removes the notification and decrements the counter, never
// below zero.
func (q *Queue) MarkDelivered(ctx context.Context, userID int64, notificationID string) error {
	res, err := removeByID.Run(ctx, q.rdb, []string{pendingKey(userID), unreadKey(userID)}, notificationID).Int()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queue) ClearAll(ctx context.Context, userID int64) error {
	if err := q.rdb.Del(ctx, pendingKey(userID), unreadKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}
