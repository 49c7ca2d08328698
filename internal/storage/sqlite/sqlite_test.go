package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "identity.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestFindOrCreateSubject_IsStable(t *testing.T) {
	req := require.New(t)
	store := openStore(t)
	ctx := context.Background()
	identity := storage.ExternalIdentity{Provider: "kakao", ExternalID: "12345", DisplayName: "alice"}

	// Given a first login
	first, err := store.FindOrCreateSubject(ctx, identity)
	req.NoError(err)
	req.NotEmpty(first.ID)

	// When the same identity logs in again
	second, err := store.FindOrCreateSubject(ctx, identity)

	// Then the same subject comes back
	req.NoError(err)
	req.Equal(first.ID, second.ID)

	// And another provider with the same external id is a different subject
	other, err := store.FindOrCreateSubject(ctx, storage.ExternalIdentity{Provider: "google", ExternalID: "12345"})
	req.NoError(err)
	req.NotEqual(first.ID, other.ID)
}

func TestFindOrCreateSubject_UpdatesDisplayName(t *testing.T) {
	req := require.New(t)
	store := openStore(t)
	ctx := context.Background()

	subject, err := store.FindOrCreateSubject(ctx, storage.ExternalIdentity{Provider: "kakao", ExternalID: "1", DisplayName: "old"})
	req.NoError(err)
	_, err = store.FindOrCreateSubject(ctx, storage.ExternalIdentity{Provider: "kakao", ExternalID: "1", DisplayName: "new"})
	req.NoError(err)

	name, ok, err := store.DisplayName(ctx, subject.ID)
	req.NoError(err)
	req.True(ok)
	req.Equal("new", name)
}

func TestFindOrCreateSubject_RequiresIdentity(t *testing.T) {
	_, err := openStore(t).FindOrCreateSubject(context.Background(), storage.ExternalIdentity{Provider: "kakao"})
	require.Error(t, err)
}

func TestDisplayName_Unknown(t *testing.T) {
	req := require.New(t)
	store := openStore(t)

	name, ok, err := store.DisplayName(context.Background(), "missing")

	req.NoError(err)
	req.False(ok)
	req.Empty(name)
	_, err = store.GetSubject(context.Background(), "missing")
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestFindOrCreateSubject_ReportsRetryFailure(t *testing.T) {
	req := require.New(t)
	store := openStore(t)

	// Given lookups that fail differently on each attempt
	errFirst, errRetry := errors.New("database is locked"), errors.New("disk I/O error")
	attempts := 0
	req.NoError(store.db.Callback().Query().Before("gorm:query").Register("fail_lookup", func(tx *gorm.DB) {
		attempts++
		if attempts == 1 {
			_ = tx.AddError(errFirst)
			return
		}
		_ = tx.AddError(errRetry)
	}))

	// When the subject is looked up
	_, err := store.FindOrCreateSubject(context.Background(), storage.ExternalIdentity{Provider: "kakao", ExternalID: "1", DisplayName: "alice"})

	// Then the error carries the cause of the retry as well as the first one
	req.ErrorIs(err, errRetry)
	req.ErrorIs(err, errFirst)
	req.Equal(2, attempts)
}
