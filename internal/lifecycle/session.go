package lifecycle

import (
	"sync"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/relay"
)

// State is the position of a session in its lifecycle.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Subscribed
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the lifecycle record of one connection. Its mutex serializes the
// lifecycle events of that connection only.
type Session struct {
	ID string

	mu      sync.Mutex
	state   State
	subject auth.Subject
	name    string
	room    string
	sink    relay.Sink

	// counted is set once the room counter includes this session, attached
	// once the relay delivers its room events.
	counted  bool
	attached bool
}

// State is the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room is the joined room, empty unless Subscribed.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Name is the sender name used for notices and chat messages.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Subject is the authenticated identity, zero before Connect.
func (s *Session) Subject() auth.Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}
