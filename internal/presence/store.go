//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
// Package presence keeps the session to room mapping and per-room occupant
// counters shared by every server process.
package presence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by LookupSession for an unknown session.
	ErrNotFound = errors.New("presence: session not found")
	// ErrUnavailable reports a backend failure.
	ErrUnavailable = errors.New("presence: store unavailable")
)

// Store is the shared presence state. Every operation is atomic with respect
// to concurrent callers in this and other processes.
type Store interface {
	RecordSession(ctx context.Context, sessionID, roomID string) error
	LookupSession(ctx context.Context, sessionID string) (string, error)
	RemoveSession(ctx context.Context, sessionID string) error
	IncrementRoom(ctx context.Context, roomID string) (int64, error)
	// DecrementRoom never drops a counter below zero.
	DecrementRoom(ctx context.Context, roomID string) (int64, error)
	RoomCount(ctx context.Context, roomID string) (int64, error)
	Close() error
}

// CountKey is the key under which a room's occupant counter is stored.
func CountKey(roomID string) string {
	return "room:" + roomID + ":count"
}

// SessionKey is the key under which a session's room is stored. The prefix
// keeps session ids out of the counter key space of a shared keyspace.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}
