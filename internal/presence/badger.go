package presence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps presence in an embedded badger database. It suits a single
// node that wants occupancy to survive restarts.
type BadgerStore struct {
	log *slog.Logger
	db  *badger.DB
}

// OpenBadgerStore opens the database at path; an empty path keeps it in memory.
func OpenBadgerStore(log *slog.Logger, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("open badger", err)
	}
	return NewBadgerStore(log, db), nil
}

// NewBadgerStore uses an already open database and closes it on Close.
func NewBadgerStore(log *slog.Logger, db *badger.DB) *BadgerStore {
	return &BadgerStore{log: log, db: db}
}

// RecordSession maps sessionID to roomID.
func (s *BadgerStore) RecordSession(_ context.Context, sessionID, roomID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(SessionKey(sessionID)), []byte(roomID))
	})
	if err != nil {
		return unavailable("record session", err)
	}
	return nil
}

// LookupSession returns the room of sessionID or ErrNotFound.
func (s *BadgerStore) LookupSession(_ context.Context, sessionID string) (string, error) {
	var roomID []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(SessionKey(sessionID)))
		if err != nil {
			return err
		}
		roomID, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("lookup session", err)
	}
	return string(roomID), nil
}

// RemoveSession deletes the mapping of sessionID if there is one.
func (s *BadgerStore) RemoveSession(_ context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(SessionKey(sessionID)))
	})
	if err != nil {
		return unavailable("remove session", err)
	}
	return nil
}

// IncrementRoom adds one occupant to roomID.
func (s *BadgerStore) IncrementRoom(ctx context.Context, roomID string) (int64, error) {
	return s.update(ctx, roomID, func(n int64) int64 { return n + 1 })
}

// DecrementRoom removes one occupant from roomID, stopping at zero.
func (s *BadgerStore) DecrementRoom(ctx context.Context, roomID string) (int64, error) {
	return s.update(ctx, roomID, func(n int64) int64 {
		if n <= 0 {
			s.log.Warn("Room counter already at zero", "room", roomID)
			return 0
		}
		return n - 1
	})
}

// RoomCount reads the counter of roomID.
func (s *BadgerStore) RoomCount(_ context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readCounter(txn, []byte(CountKey(roomID)))
		return err
	})
	if err != nil {
		return 0, unavailable("room count", err)
	}
	return n, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs a read-modify-write transaction, retried while badger reports a
// conflicting concurrent commit.
func (s *BadgerStore) update(ctx context.Context, roomID string, next func(int64) int64) (int64, error) {
	key := []byte(CountKey(roomID))
	for range maxCASAttempts {
		var value int64
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readCounter(txn, key)
			if err != nil {
				return err
			}
			value = next(current)
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(value))
			return txn.Set(key, buf)
		})
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return 0, unavailable("write counter", err)
		}
		if ctx.Err() != nil {
			return 0, unavailable("write counter", ctx.Err())
		}
	}
	return 0, unavailable("write counter", fmt.Errorf("too much contention on %s", roomID))
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt counter %s", key)
		}
		n = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return n, err
}
