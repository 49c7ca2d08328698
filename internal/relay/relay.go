// Package relay connects local sessions to the event bus: it keeps one bus
// subscription per room that has local occupants and hands every received
// event to those occupants.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/fenggwsx/roomcast/internal/bus"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/telemetry"
)

// ErrRelayUnavailable wraps bus failures surfaced to callers.
var ErrRelayUnavailable = errors.New("relay: unavailable")

// Sink receives events for one session. Deliver must not block; it reports
// false when the event had to be dropped.
type Sink interface {
	Deliver(evt protocol.Event) bool
}

type roomEntry struct {
	sinks map[string]Sink
	sub   bus.Subscription
	err   error
	ready chan struct{}
}

func (e *roomEntry) subscribed() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Relay fans room events out to the local sessions attached to each room.
type Relay struct {
	log     *slog.Logger
	bus     bus.Bus
	metrics *telemetry.Metrics

	mu       sync.Mutex
	rooms    map[string]*roomEntry
	sessions map[string]string
}

// New returns a relay that subscribes to rooms on b as sessions attach.
func New(log *slog.Logger, b bus.Bus, metrics *telemetry.Metrics) *Relay {
	return &Relay{
		log:      log,
		bus:      b,
		metrics:  metrics,
		rooms:    make(map[string]*roomEntry),
		sessions: make(map[string]string),
	}
}

// Attach routes events of roomID to sink, moving the session out of any room
// it was attached to before. The first local session of a room opens the bus
// subscription.
func (r *Relay) Attach(ctx context.Context, sessionID, roomID string, sink Sink) error {
	r.Detach(sessionID)

	r.mu.Lock()
	entry, exists := r.rooms[roomID]
	if !exists {
		entry = &roomEntry{sinks: make(map[string]Sink), ready: make(chan struct{})}
		r.rooms[roomID] = entry
	}
	entry.sinks[sessionID] = sink
	r.sessions[sessionID] = roomID
	r.mu.Unlock()

	if exists {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			r.Detach(sessionID)
			return fmt.Errorf("%w: %w", ErrRelayUnavailable, ctx.Err())
		}
		if entry.err != nil {
			return fmt.Errorf("%w: %w", ErrRelayUnavailable, entry.err)
		}
		return nil
	}

	sub, err := r.bus.Subscribe(ctx, roomID, func(ctx context.Context, evt protocol.Event) {
		r.dispatch(ctx, roomID, evt)
	})

	r.mu.Lock()
	entry.sub, entry.err = sub, err
	close(entry.ready)
	var orphan bus.Subscription
	if err != nil || len(entry.sinks) == 0 || r.rooms[roomID] != entry {
		if r.rooms[roomID] == entry {
			delete(r.rooms, roomID)
		}
		for id := range entry.sinks {
			if r.sessions[id] == roomID {
				delete(r.sessions, id)
			}
		}
		orphan = sub
	}
	r.mu.Unlock()

	if orphan != nil {
		r.unsubscribe(roomID, orphan)
	}
	if err != nil {
		r.metrics.BusUnavailable(ctx, "subscribe")
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	r.log.Debug("Room subscription opened", "room", roomID)
	return nil
}

// Detach stops delivery to the session. The last local session of a room
// closes the bus subscription.
func (r *Relay) Detach(sessionID string) {
	r.mu.Lock()
	roomID, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	entry := r.rooms[roomID]
	delete(entry.sinks, sessionID)

	var sub bus.Subscription
	if len(entry.sinks) == 0 && entry.subscribed() {
		delete(r.rooms, roomID)
		sub = entry.sub
	}
	r.mu.Unlock()

	if sub != nil {
		r.unsubscribe(roomID, sub)
	}
}

func (r *Relay) unsubscribe(roomID string, sub bus.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		r.log.Warn("Failed to close room subscription", "room", roomID, "error", err)
		return
	}
	r.log.Debug("Room subscription closed", "room", roomID)
}

func (r *Relay) dispatch(ctx context.Context, roomID string, evt protocol.Event) {
	if evt.Room != roomID {
		r.log.Warn("Event routed to the wrong room", "room", roomID, "event_room", evt.Room)
		return
	}

	r.mu.Lock()
	entry, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := lo.Assign(entry.sinks)
	r.mu.Unlock()

	for id, sink := range targets {
		if !sink.Deliver(evt) {
			r.metrics.DeliveryDropped(ctx)
			r.log.Warn("Dropped event for slow session", "session_id", id, "room", roomID, "type", evt.Type)
		}
	}
}

// Publish hands evt to the bus for every process.
func (r *Relay) Publish(ctx context.Context, roomID string, evt protocol.Event) error {
	if err := r.bus.Publish(ctx, roomID, evt); err != nil {
		r.metrics.BusUnavailable(ctx, "publish")
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return nil
}

// SendToRoom relays a chat message from sender to every occupant of roomID.
func (r *Relay) SendToRoom(ctx context.Context, roomID, sender, text string) error {
	if err := r.Publish(ctx, roomID, protocol.ChatMessage(roomID, sender, text)); err != nil {
		return err
	}
	r.metrics.Chat(ctx, roomID)
	return nil
}

// LocalSessions counts the sessions of this process attached to roomID.
func (r *Relay) LocalSessions(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rooms[roomID]; ok {
		return len(entry.sinks)
	}
	return 0
}

// Close drops every room subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := make(map[string]bus.Subscription, len(r.rooms))
	for roomID, entry := range r.rooms {
		if entry.subscribed() && entry.sub != nil {
			subs[roomID] = entry.sub
		}
	}
	r.rooms = make(map[string]*roomEntry)
	r.sessions = make(map[string]string)
	r.mu.Unlock()

	for roomID, sub := range subs {
		r.unsubscribe(roomID, sub)
	}
}
