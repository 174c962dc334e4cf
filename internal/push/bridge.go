package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "helpdesk:push"

type envelope struct {
	UserID    int64   `json:"userId,omitempty"`
	Broadcast bool    `json:"broadcast,omitempty"`
	Event     string  `json:"event"`
	Data      Payload `json:"data"`
}

// RedisBridge fans pushes out through Redis pub/sub so every instance
// delivers to its own local connections.
type RedisBridge struct {
	rdb     redis.UniversalClient
	local   Pusher
	channel string
	log     *zap.Logger
}

// NewRedisBridge relays into local, normally the process's Hub.
func NewRedisBridge(rdb redis.UniversalClient, local Pusher, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{rdb: rdb, local: local, channel: DefaultChannel, log: log}
}

func (b *RedisBridge) PushToUser(ctx context.Context, userID int64, event string, p Payload) error {
	return b.publish(ctx, envelope{UserID: userID, Event: event, Data: p})
}

func (b *RedisBridge) PushToAll(ctx context.Context, event string, p Payload) error {
	return b.publish(ctx, envelope{Broadcast: true, Event: event, Data: p})
}

func (b *RedisBridge) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish push: %w", err)
	}
	return nil
}

// Run relays published pushes into the local hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) dispatch(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("bad push envelope", zap.Error(err))
		return
	}
	var err error
	if env.Broadcast {
		err = b.local.PushToAll(ctx, env.Event, env.Data)
	} else {
		err = b.local.PushToUser(ctx, env.UserID, env.Event, env.Data)
	}
	if err != nil {
		b.log.Warn("local push failed", zap.String("event", env.Event),
			zap.Int64("user_id", env.UserID), zap.Bool("broadcast", env.Broadcast), zap.Error(err))
	}
}
