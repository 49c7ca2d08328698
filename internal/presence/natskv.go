package presence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
)

const maxCASAttempts = 64

// NATSStore keeps presence in a JetStream key-value bucket. Counters are
// updated with revision checks so concurrent writers never lose an update.
type NATSStore struct {
	log *slog.Logger
	kv  jetstream.KeyValue
}

// NewNATSStore creates the bucket when missing and binds to it.
func NewNATSStore(ctx context.Context, log *slog.Logger, js jetstream.JetStream, bucket string) (*NATSStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "roomcast session and room occupancy",
		History:     1,
	})
	if err != nil {
		return nil, unavailable("bind bucket "+bucket, err)
	}
	return &NATSStore{log: log, kv: kv}, nil
}

// KV keys may not contain ':' so identifiers are base64url encoded.
func natsSessionKey(sessionID string) string {
	return "session." + base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

func natsCountKey(roomID string) string {
	return "count." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// RecordSession maps sessionID to roomID.
func (s *NATSStore) RecordSession(ctx context.Context, sessionID, roomID string) error {
	if _, err := s.kv.Put(ctx, natsSessionKey(sessionID), []byte(roomID)); err != nil {
		return unavailable("record session", err)
	}
	return nil
}

// LookupSession returns the room of sessionID or ErrNotFound.
func (s *NATSStore) LookupSession(ctx context.Context, sessionID string) (string, error) {
	entry, err := s.kv.Get(ctx, natsSessionKey(sessionID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("lookup session", err)
	}
	return string(entry.Value()), nil
}

// RemoveSession deletes the mapping of sessionID if there is one.
func (s *NATSStore) RemoveSession(ctx context.Context, sessionID string) error {
	err := s.kv.Delete(ctx, natsSessionKey(sessionID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return unavailable("remove session", err)
	}
	return nil
}

// IncrementRoom adds one occupant to roomID.
func (s *NATSStore) IncrementRoom(ctx context.Context, roomID string) (int64, error) {
	return s.update(ctx, roomID, func(n int64) int64 { return n + 1 })
}

// DecrementRoom removes one occupant from roomID, stopping at zero.
func (s *NATSStore) DecrementRoom(ctx context.Context, roomID string) (int64, error) {
	return s.update(ctx, roomID, func(n int64) int64 {
		if n <= 0 {
			s.log.Warn("Room counter already at zero", "room", roomID)
			return 0
		}
		return n - 1
	})
}

// RoomCount reads the counter of roomID.
func (s *NATSStore) RoomCount(ctx context.Context, roomID string) (int64, error) {
	n, _, err := s.read(ctx, natsCountKey(roomID))
	if err != nil {
		return 0, unavailable("room count", err)
	}
	return n, nil
}

// Close does nothing; the connection belongs to the caller.
func (s *NATSStore) Close() error { return nil }

// update applies next to the counter with compare-and-swap, retrying when
// another writer got there first.
func (s *NATSStore) update(ctx context.Context, roomID string, next func(int64) int64) (int64, error) {
	key := natsCountKey(roomID)
	for range maxCASAttempts {
		current, revision, err := s.read(ctx, key)
		if err != nil {
			return 0, unavailable("read counter", err)
		}
		value := next(current)
		payload := []byte(strconv.FormatInt(value, 10))
		if revision == 0 {
			_, err = s.kv.Create(ctx, key, payload)
		} else {
			_, err = s.kv.Update(ctx, key, payload, revision)
		}
		if err == nil {
			return value, nil
		}
		if !isRevisionConflict(err) {
			return 0, unavailable("write counter", err)
		}
		if ctx.Err() != nil {
			return 0, unavailable("write counter", ctx.Err())
		}
	}
	return 0, unavailable("write counter", fmt.Errorf("too much contention on %s", roomID))
}

// read returns the counter and its revision; revision 0 means no entry.
func (s *NATSStore) read(ctx context.Context, key string) (int64, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
