package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel every instance listens to.
const DefaultChannel = "general-chat"

// Bus carries global frames (chat lines, rosters) to every server instance.
type Bus interface {
	Publish(ctx context.Context, frame []byte) error
	// Subscribe returns frames published by any instance, this one included.
	// The channel is closed when ctx ends or the subscription breaks.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, log: logger.With("component", "redis-bus")}
}

func (b *RedisBus) Publish(ctx context.Context, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel, frame).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the confirmation so frames published right after are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.log.Info("subscribed", "channel", b.channel)

	out := make(chan []byte, defaultSendBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
