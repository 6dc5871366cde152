package sessioncache_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-sessioncache/pkg/sessioncache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReadMissingKey(t *testing.T) {
	store := sessioncache.NewMemoryStore()

	_, _, err := store.Read(context.Background(), "absent")
	assert.ErrorIs(t, err, sessioncache.ErrNotFound)
}

func TestMemoryStore_UpsertAndRead(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()
	ttl := int64(60)

	err := store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v"), TTLSeconds: &ttl})
	require.NoError(t, err)

	session, version, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	assert.Equal(t, "k", session.Key)
	assert.Equal(t, []byte("v"), session.Content)
	require.NotNil(t, session.TTLSeconds)
	assert.Equal(t, int64(60), *session.TTLSeconds)

	t.Run("Returned session is a copy", func(t *testing.T) {
		session.Content[0] = 'X'
		again, _, err := store.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), again.Content, "Mutating a read result must not touch the stored record")
	})
}

func TestMemoryStore_ConditionalWrite(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()

	require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v1")}))
	session, version, err := store.Read(ctx, "k")
	require.NoError(t, err)

	t.Run("Write under the current version succeeds and mints a new one", func(t *testing.T) {
		require.NoError(t, store.Write(ctx, session, version))

		_, renewed, err := store.Read(ctx, "k")
		require.NoError(t, err)
		assert.NotEqual(t, version, renewed, "Every write must produce a fresh version")
	})

	t.Run("Write under a stale version is a conflict", func(t *testing.T) {
		err := store.Write(ctx, session, version)
		assert.ErrorIs(t, err, sessioncache.ErrConflict)
	})

	t.Run("Write to an absent key is not found", func(t *testing.T) {
		err := store.Write(ctx, &sessioncache.Session{Key: "ghost"}, "any")
		assert.ErrorIs(t, err, sessioncache.ErrNotFound)
	})
}

func TestMemoryStore_UpsertReplacesAndReversions(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()

	require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v1")}))
	_, first, err := store.Read(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v2")}))
	session, second, err := store.Read(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, []byte("v2"), session.Content)
	assert.Nil(t, session.TTLSeconds, "Upsert fully replaces the record, TTL included")
	assert.NotEqual(t, first, second)
}

func TestMemoryStore_ExpiryOnRead(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()
	ttl := int64(0) // expires immediately

	require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v"), TTLSeconds: &ttl}))

	_, _, err := store.Read(ctx, "k")
	assert.ErrorIs(t, err, sessioncache.ErrNotFound, "An expired entry reads as absent")

	t.Run("Write to an expired entry is not found", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k2", Content: []byte("v"), TTLSeconds: &ttl}))
		err := store.Write(ctx, &sessioncache.Session{Key: "k2", Content: []byte("v")}, "stale")
		assert.ErrorIs(t, err, sessioncache.ErrNotFound)
	})
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()

	require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: "k", Content: []byte("v")}))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, _, err := store.Read(ctx, "k")
	assert.ErrorIs(t, err, sessioncache.ErrNotFound)
}

// TestCache_RefreshRenewsThroughTheStore drives a Refresh end to end over the
// memory store and observes the renewal as a version change on the record.
func TestCache_RefreshRenewsThroughTheStore(t *testing.T) {
	ctx := context.Background()
	store := sessioncache.NewMemoryStore()
	c, err := sessioncache.NewCache(store, zerolog.Nop())
	require.NoError(t, err)

	policy := &sessioncache.ExpirationPolicy{SlidingExpiration: 30 * time.Second}
	require.NoError(t, c.Set(ctx, "k", []byte("v"), policy))
	_, before, err := store.Read(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, c.Refresh(ctx, "k"))

	session, after, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "Refresh must rewrite the record to restart its countdown")
	assert.Equal(t, []byte("v"), session.Content, "Refresh must leave the content unchanged")
	require.NotNil(t, session.TTLSeconds)
	assert.Equal(t, int64(30), *session.TTLSeconds)
}
