package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

var errClosed = errors.New("closed")

// MemoryBus delivers events within the process only.
type MemoryBus struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*dispatcher
	closed bool
}

// NewMemoryBus returns a bus that only reaches subscribers of this process.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: make(map[string]map[string]*dispatcher)}
}

// Publish queues evt for every subscriber of roomID.
func (b *MemoryBus) Publish(ctx context.Context, roomID string, evt protocol.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return unavailable("publish", errClosed)
	}
	targets := make([]*dispatcher, 0, len(b.rooms[roomID]))
	for _, d := range b.rooms[roomID] {
		targets = append(targets, d)
	}
	b.mu.RUnlock()

	for _, d := range targets {
		d.enqueue(context.WithoutCancel(ctx), evt)
	}
	return nil
}

// Subscribe registers handler for events of roomID.
func (b *MemoryBus) Subscribe(_ context.Context, roomID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, unavailable("subscribe", errClosed)
	}
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[string]*dispatcher)
	}
	id := uuid.NewString()
	d := newDispatcher(handler)
	b.rooms[roomID][id] = d
	return &memorySubscription{bus: b, roomID: roomID, id: id, d: d}, nil
}

func (b *MemoryBus) unregister(roomID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.rooms[roomID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.rooms, roomID)
		}
	}
}

// Close ends every subscription. Later publishes and subscribes fail with
// ErrUnavailable.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.rooms {
		for _, d := range subs {
			d.stop()
		}
	}
	b.rooms = make(map[string]map[string]*dispatcher)
	return nil
}

type memorySubscription struct {
	bus    *MemoryBus
	roomID string
	id     string
	d      *dispatcher
}

// Unsubscribe removes the handler and stops its dispatcher.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.unregister(s.roomID, s.id)
	s.d.stop()
	return nil
}
