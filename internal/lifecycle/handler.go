//go:generate go run go.uber.org/mock/mockgen -source=handler.go -destination=../mocks/mock_lifecycle.go -package=mocks
// Package lifecycle drives each connection through authentication, room
// membership and disconnect, keeping presence and room notices consistent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/presence"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/relay"
	"github.com/fenggwsx/roomcast/internal/room"
	"github.com/fenggwsx/roomcast/internal/telemetry"
)

// UnknownUser names a sender without any display name.
const UnknownUser = "UnknownUser"

var (
	ErrUnknownSession   = errors.New("lifecycle: unknown session")
	ErrAlreadyConnected = errors.New("lifecycle: session already connected")
	ErrNotAuthenticated = errors.New("lifecycle: session not authenticated")
	ErrNotInRoom        = errors.New("lifecycle: session is not in that room")
)

// Relay is the part of the message relay the lifecycle drives.
type Relay interface {
	Attach(ctx context.Context, sessionID, roomID string, sink relay.Sink) error
	Detach(sessionID string)
	Publish(ctx context.Context, roomID string, evt protocol.Event) error
	SendToRoom(ctx context.Context, roomID, sender, text string) error
}

// Directory resolves display names of authenticated subjects.
type Directory interface {
	DisplayName(ctx context.Context, subjectID string) (string, bool, error)
}

// Handler owns the sessions of this process and applies their lifecycle
// events to the presence store and the relay.
type Handler struct {
	log       *slog.Logger
	validator auth.Validator
	store     presence.Store
	relay     Relay
	directory Directory
	resolver  room.Resolver
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option customizes a Handler.
type Option func(*Handler)

// WithDirectory resolves sender names through d before falling back to the
// token name.
func WithDirectory(d Directory) Option {
	return func(h *Handler) { h.directory = d }
}

// WithResolver replaces the default destination prefixes.
func WithResolver(r room.Resolver) Option {
	return func(h *Handler) { h.resolver = r }
}

// WithMetrics records lifecycle counters on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler expects validator to be bounded already, see auth.WithTimeout.
func NewHandler(log *slog.Logger, validator auth.Validator, store presence.Store, r Relay, opts ...Option) *Handler {
	h := &Handler{
		log:       log,
		validator: validator,
		store:     store,
		relay:     r,
		resolver:  room.NewResolver(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open registers a new unauthenticated session whose events go to sink.
func (h *Handler) Open(sessionID string, sink relay.Sink) *Session {
	s := &Session{ID: sessionID, state: Unauthenticated, sink: sink}
	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()
	return s
}

// Session returns the open session with the given id.
func (h *Handler) Session(sessionID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

func (h *Handler) lookup(sessionID string) (*Session, error) {
	s, ok := h.Session(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (h *Handler) forget(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// Connect authenticates the session with its bearer token. A rejected token
// closes the session without touching presence.
func (h *Handler) Connect(ctx context.Context, sessionID, token string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unauthenticated {
		return ErrAlreadyConnected
	}

	subject, err := h.validator.Validate(ctx, token)
	if err != nil {
		s.state = Closed
		h.forget(sessionID)
		h.metrics.AuthFailure(ctx)
		h.log.Info("Connection rejected", "session_id", sessionID, "error", err)
		if !errors.Is(err, auth.ErrAuthentication) {
			err = fmt.Errorf("%w: %w", auth.ErrAuthentication, err)
		}
		return err
	}

	s.subject = subject
	s.name = h.senderName(ctx, subject)
	s.state = Authenticated
	h.log.Info("Session authenticated", "session_id", sessionID, "subject_id", subject.ID, "name", s.name)
	return nil
}

func (h *Handler) senderName(ctx context.Context, subject auth.Subject) string {
	if h.directory != nil && subject.ID != "" {
		name, ok, err := h.directory.DisplayName(ctx, subject.ID)
		switch {
		case err != nil:
			h.log.Warn("Identity directory lookup failed", "subject_id", subject.ID, "error", err)
		case ok && name != "":
			return name
		}
	}
	if subject.Name != "" {
		return subject.Name
	}
	return UnknownUser
}

// Subscribe joins the room named by destination and returns it. Joining
// another room first leaves the current one. Joining the current room again
// changes no counter and sends no notice, but retries whatever failed on the
// first join.
func (h *Handler) Subscribe(ctx context.Context, sessionID, destination string) (string, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Authenticated, Subscribed:
	default:
		return "", ErrNotAuthenticated
	}

	roomID := h.resolver.Resolve(destination)
	if s.state == Subscribed {
		if s.room == roomID {
			h.repair(ctx, s)
			return roomID, nil
		}
		h.leave(ctx, s, s.room, false)
	}

	s.state = Subscribed
	s.room = roomID
	h.count(ctx, s)
	h.attach(ctx, s)

	if err := h.relay.Publish(ctx, roomID, protocol.JoinNotice(roomID, s.name)); err != nil {
		h.log.Warn("Join notice not published", "session_id", s.ID, "room", roomID, "error", err)
	}
	h.metrics.Join(ctx, roomID)
	h.log.Info("Session entered room", "session_id", s.ID, "room", roomID, "name", s.name)
	return roomID, nil
}

// count records the session mapping and raises the room counter. The counter
// is only raised once the mapping exists, so a later disconnect can find
// what to undo. Caller holds s.mu.
func (h *Handler) count(ctx context.Context, s *Session) {
	if err := h.store.RecordSession(ctx, s.ID, s.room); err != nil {
		h.storeFailure(ctx, "record", s, err)
		return
	}
	n, err := h.store.IncrementRoom(ctx, s.room)
	if err != nil {
		h.storeFailure(ctx, "increment", s, err)
		return
	}
	s.counted = true
	h.log.Debug("Room occupancy", "room", s.room, "count", n)
}

// attach routes room events to the session sink. Caller holds s.mu.
func (h *Handler) attach(ctx context.Context, s *Session) {
	if err := h.relay.Attach(ctx, s.ID, s.room, s.sink); err != nil {
		h.log.Warn("Room delivery unavailable", "session_id", s.ID, "room", s.room, "error", err)
		return
	}
	s.attached = true
}

// repair retries the presence and delivery steps a degraded join skipped.
func (h *Handler) repair(ctx context.Context, s *Session) {
	if !s.counted {
		h.count(ctx, s)
	}
	if !s.attached {
		h.attach(ctx, s)
	}
}

// leave detaches the session, lowers the room counter if the session was
// counted there and announces the departure. Caller holds s.mu.
func (h *Handler) leave(ctx context.Context, s *Session, roomID string, removeMapping bool) {
	h.relay.Detach(s.ID)
	s.attached = false
	if s.counted {
		if _, err := h.store.DecrementRoom(ctx, roomID); err != nil {
			h.storeFailure(ctx, "decrement", s, err)
		}
		s.counted = false
	}
	if removeMapping {
		if err := h.store.RemoveSession(ctx, s.ID); err != nil {
			h.storeFailure(ctx, "remove", s, err)
		}
	}
	if err := h.relay.Publish(ctx, roomID, protocol.LeaveNotice(roomID, s.name)); err != nil {
		h.log.Warn("Leave notice not published", "session_id", s.ID, "room", roomID, "error", err)
	}
	h.metrics.Leave(ctx, roomID)
	h.log.Info("Session left room", "session_id", s.ID, "room", roomID, "name", s.name)
}

// Send relays text from the session to the room named by destination, which
// must be the room the session is in.
func (h *Handler) Send(ctx context.Context, sessionID, destination, text string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	state, current, name := s.state, s.room, s.name
	s.mu.Unlock()

	switch state {
	case Subscribed:
	case Authenticated:
		return ErrNotInRoom
	default:
		return ErrNotAuthenticated
	}
	roomID := h.resolver.Resolve(destination)
	if roomID != current {
		return ErrNotInRoom
	}
	return h.relay.SendToRoom(ctx, roomID, name, text)
}

// Disconnect ends the session. It runs its effects at most once; later calls
// and calls for unknown sessions do nothing.
func (h *Handler) Disconnect(ctx context.Context, sessionID string) {
	s, ok := h.Session(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.state
	s.state = Closed
	h.forget(sessionID)

	switch prior {
	case Authenticated, Subscribed:
	default:
		return
	}
	h.relay.Detach(s.ID)

	stored, err := h.store.LookupSession(ctx, s.ID)
	switch {
	case errors.Is(err, presence.ErrNotFound):
		h.log.Debug("Session had no room", "session_id", s.ID)
		return
	case err != nil:
		h.storeFailure(ctx, "lookup", s, err)
		if prior != Subscribed {
			return
		}
	case prior == Authenticated:
		// A mapping this process never wrote still counts toward its room.
		s.room, s.counted = stored, true
	case stored != s.room:
		h.log.Warn("Presence mapping disagrees with session", "session_id", s.ID, "stored_room", stored, "room", s.room)
	}

	h.leave(ctx, s, s.room, true)
	s.room = ""
}

func (h *Handler) storeFailure(ctx context.Context, op string, s *Session, err error) {
	h.metrics.StoreUnavailable(ctx, op)
	h.log.Error("Presence store unavailable", "op", op, "session_id", s.ID, "error", err)
}
