package bus

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/telemetry"
)

const flushTimeout = 2 * time.Second

// NATSBus publishes room events on core NATS subjects. The connection is
// expected to reconnect forever; the client restores subscriptions itself.
type NATSBus struct {
	log    *slog.Logger
	nc     *nats.Conn
	prefix string
}

// NewNATSBus does not take ownership of nc.
func NewNATSBus(log *slog.Logger, nc *nats.Conn, subjectPrefix string) *NATSBus {
	return &NATSBus{log: log, nc: nc, prefix: subjectPrefix}
}

// Subject maps a room onto a single subject token.
func (b *NATSBus) Subject(roomID string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// Publish sends evt on the room subject with the trace context in its headers.
func (b *NATSBus) Publish(ctx context.Context, roomID string, evt protocol.Event) error {
	data, err := protocol.MarshalEvent(evt)
	if err != nil {
		return err
	}
	if err := telemetry.TracedPublish(ctx, b.nc, b.Subject(roomID), data); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Subscribe listens on the room subject. The client restores it after a reconnect.
func (b *NATSBus) Subscribe(_ context.Context, roomID string, handler Handler) (Subscription, error) {
	d := newDispatcher(handler)
	subject := b.Subject(roomID)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "roomcast.room.deliver")
		defer span.End()

		evt, err := protocol.UnmarshalEvent(msg.Data)
		if err != nil {
			b.log.Warn("Dropping malformed bus event", "subject", msg.Subject, "error", err)
			return
		}
		d.enqueue(ctx, evt)
	})
	if err != nil {
		d.stop()
		return nil, unavailable("subscribe", err)
	}
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		// Interest is registered again on reconnect, so a failed flush is not fatal.
		b.log.Warn("Subscription not confirmed by server", "subject", subject, "error", err)
	}
	return &natsSubscription{sub: sub, d: d}, nil
}

// Close does nothing; the connection belongs to the caller.
func (b *NATSBus) Close() error { return nil }

type natsSubscription struct {
	sub *nats.Subscription
	d   *dispatcher
}

// Unsubscribe drops the NATS subscription and stops its dispatcher.
func (s *natsSubscription) Unsubscribe() error {
	defer s.d.stop()
	err := s.sub.Unsubscribe()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return unavailable("unsubscribe", err)
	}
	return nil
}
