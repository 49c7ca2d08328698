package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// decrementScript decrements a counter unless it is already at zero, in which
// case it pins the counter to zero and returns -1.
var decrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	redis.call('SET', KEYS[1], 0)
	return -1
end
return redis.call('DECR', KEYS[1])
`)

// RedisStore shares presence through a Redis server.
type RedisStore struct {
	log    *slog.Logger
	client redis.UniversalClient
}

// NewRedisStore takes ownership of client; Close closes it.
func NewRedisStore(log *slog.Logger, client redis.UniversalClient) *RedisStore {
	return &RedisStore{log: log, client: client}
}

// RecordSession maps sessionID to roomID.
func (s *RedisStore) RecordSession(ctx context.Context, sessionID, roomID string) error {
	if err := s.client.Set(ctx, SessionKey(sessionID), roomID, 0).Err(); err != nil {
		return unavailable("record session", err)
	}
	return nil
}

// LookupSession returns the room of sessionID or ErrNotFound.
func (s *RedisStore) LookupSession(ctx context.Context, sessionID string) (string, error) {
	roomID, err := s.client.Get(ctx, SessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("lookup session", err)
	}
	return roomID, nil
}

// RemoveSession deletes the mapping of sessionID if there is one.
func (s *RedisStore) RemoveSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		return unavailable("remove session", err)
	}
	return nil
}

// IncrementRoom adds one occupant to roomID.
func (s *RedisStore) IncrementRoom(ctx context.Context, roomID string) (int64, error) {
	n, err := s.client.Incr(ctx, CountKey(roomID)).Result()
	if err != nil {
		return 0, unavailable("increment room", err)
	}
	return n, nil
}

// DecrementRoom removes one occupant from roomID, stopping at zero.
func (s *RedisStore) DecrementRoom(ctx context.Context, roomID string) (int64, error) {
	n, err := decrementScript.Run(ctx, s.client, []string{CountKey(roomID)}).Int64()
	if err != nil {
		return 0, unavailable("decrement room", err)
	}
	if n < 0 {
		s.log.Warn("Room counter already at zero", "room", roomID)
		return 0, nil
	}
	return n, nil
}

// RoomCount reads the counter of roomID.
func (s *RedisStore) RoomCount(ctx context.Context, roomID string) (int64, error) {
	n, err := s.client.Get(ctx, CountKey(roomID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("room count", err)
	}
	return n, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
