package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel канал Redis pub/sub для событий всех сессий
const DefaultChannel = "collab:events"

// RedisBus publishes envelopes through Redis pub/sub so that connections
// held by any server instance receive them. Each instance runs Run to relay
// the channel into its own hub.
type RedisBus struct {
	rdb     *redis.Client
	hub     Deliverer
	logger  *slog.Logger
	channel string
}

var _ Broadcaster = (*RedisBus)(nil)

// NewRedisBus creates a broadcaster on channel (DefaultChannel if empty)
func NewRedisBus(rdb *redis.Client, hub Deliverer, logger *slog.Logger, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		rdb:     rdb,
		hub:     hub,
		logger:  logger,
		channel: channel,
	}
}

// Publish sends env to every instance
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	return nil
}

// Run relays the channel into the local hub until ctx is cancelled
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Дожидаемся подтверждения подписки, иначе ранние события потеряются
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.logger.Info("event bus subscribed", slog.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event bus channel closed")
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope", slog.Any("error", err))
				continue
			}
			b.hub.Deliver(env)
		}
	}
}
