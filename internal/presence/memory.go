package presence

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStore keeps presence in process. It is only consistent for a single
// server instance.
type MemoryStore struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]string
	counts   map[string]int64
}

// NewMemoryStore returns an empty store for a single process.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		log:      log,
		sessions: make(map[string]string),
		counts:   make(map[string]int64),
	}
}

// RecordSession maps sessionID to roomID.
func (s *MemoryStore) RecordSession(_ context.Context, sessionID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = roomID
	return nil
}

// LookupSession returns the room of sessionID or ErrNotFound.
func (s *MemoryStore) LookupSession(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return roomID, nil
}

// RemoveSession deletes the mapping of sessionID if there is one.
func (s *MemoryStore) RemoveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// IncrementRoom adds one occupant to roomID.
func (s *MemoryStore) IncrementRoom(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[roomID]++
	return s.counts[roomID], nil
}

// DecrementRoom removes one occupant from roomID, stopping at zero.
func (s *MemoryStore) DecrementRoom(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[roomID] <= 0 {
		s.log.Warn("Room counter already at zero", "room", roomID)
		s.counts[roomID] = 0
		return 0, nil
	}
	s.counts[roomID]--
	return s.counts[roomID], nil
}

// RoomCount reads the counter of roomID.
func (s *MemoryStore) RoomCount(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[roomID], nil
}

// Close does nothing.
func (s *MemoryStore) Close() error { return nil }
