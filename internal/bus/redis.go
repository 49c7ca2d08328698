package bus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

// RedisBus publishes room events with Redis PUBLISH/SUBSCRIBE. go-redis
// re-establishes dropped pub/sub connections and resubscribes on its own.
type RedisBus struct {
	log    *slog.Logger
	client redis.UniversalClient
	prefix string
}

// NewRedisBus takes ownership of client; Close closes it.
func NewRedisBus(log *slog.Logger, client redis.UniversalClient, channelPrefix string) *RedisBus {
	return &RedisBus{log: log, client: client, prefix: channelPrefix}
}

// Channel returns the pub/sub channel carrying events of roomID.
func (b *RedisBus) Channel(roomID string) string {
	return b.prefix + roomID
}

// Publish sends evt on the room channel.
func (b *RedisBus) Publish(ctx context.Context, roomID string, evt protocol.Event) error {
	data, err := protocol.MarshalEvent(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.Channel(roomID), data).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Subscribe listens on the room channel once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error) {
	channel := b.Channel(roomID)
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}

	d := newDispatcher(handler)
	messages := ps.Channel()
	go func() {
		for msg := range messages {
			evt, err := protocol.UnmarshalEvent([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("Dropping malformed bus event", "channel", msg.Channel, "error", err)
				continue
			}
			if !d.enqueue(context.Background(), evt) {
				return
			}
		}
	}()
	return &redisSubscription{ps: ps, d: d}, nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
	d  *dispatcher
}

// Unsubscribe closes the pub/sub connection and stops its dispatcher.
func (s *redisSubscription) Unsubscribe() error {
	s.d.stop()
	return s.ps.Close()
}
