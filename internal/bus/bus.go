//go:generate go run go.uber.org/mock/mockgen -source=bus.go -destination=../mocks/mock_bus.go -package=mocks
// Package bus fans room events out to every server process.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

// ErrUnavailable reports that the bus could not accept or register work.
var ErrUnavailable = errors.New("bus: unavailable")

// Handler receives the events of a subscribed room. Handlers of one
// subscription run sequentially, in the order events arrived.
type Handler func(ctx context.Context, evt protocol.Event)

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus delivers every event published to a room to all subscriptions of that
// room, in this and other processes. Delivery is best effort.
type Bus interface {
	Publish(ctx context.Context, roomID string, evt protocol.Event) error
	Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
