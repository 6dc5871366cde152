//go:build integration

package sessioncache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-sessioncache/pkg/sessioncache"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	rc := emulators.GetDefaultRedisImageContainer()
	redisConn := emulators.SetupRedisContainer(t, ctx, rc)

	cfg := &sessioncache.RedisStoreConfig{
		Addr: redisConn.EmulatorAddress,
	}
	store, err := sessioncache.NewRedisStore(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := sessioncache.NewCache(store, zerolog.Nop())
	require.NoError(t, err)

	t.Run("Set and Get round trip", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		content := []byte("redis payload")
		policy := &sessioncache.ExpirationPolicy{SlidingExpiration: time.Minute}

		require.NoError(t, c.Set(ctx, key, content, policy))

		got, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, content, got)
	})

	t.Run("Get restarts the sliding countdown", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		policy := &sessioncache.ExpirationPolicy{SlidingExpiration: time.Second}
		require.NoError(t, c.Set(ctx, key, []byte("v"), policy))

		// Each access lands inside the 1s window and renews it, so the session
		// stays alive well past its original deadline.
		for i := 0; i < 2; i++ {
			time.Sleep(600 * time.Millisecond)
			_, found, err := c.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, found, "The renewed session should outlive its original window")
		}

		// Left alone, the window finally elapses and Redis drops the key.
		time.Sleep(1500 * time.Millisecond)
		_, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Stale version write is a conflict", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		require.NoError(t, c.Set(ctx, key, []byte("v1"), &sessioncache.ExpirationPolicy{SlidingExpiration: time.Minute}))

		session, version, err := store.Read(ctx, key)
		require.NoError(t, err)

		require.NoError(t, store.Upsert(ctx, &sessioncache.Session{Key: key, Content: []byte("v2")}))

		err = store.Write(ctx, session, version)
		assert.ErrorIs(t, err, sessioncache.ErrConflict)
	})

	t.Run("Conditional write to a vanished session is not found", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		require.NoError(t, c.Set(ctx, key, []byte("v"), &sessioncache.ExpirationPolicy{SlidingExpiration: time.Minute}))

		session, version, err := store.Read(ctx, key)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, key))

		err = store.Write(ctx, session, version)
		assert.ErrorIs(t, err, sessioncache.ErrNotFound)
	})

	t.Run("Session without expiry persists", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		require.NoError(t, c.Set(ctx, key, []byte("v"), &sessioncache.ExpirationPolicy{}))

		session, _, err := store.Read(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, session.TTLSeconds)
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		key := "session-" + uuid.NewString()
		require.NoError(t, c.Set(ctx, key, []byte("v"), &sessioncache.ExpirationPolicy{}))

		require.NoError(t, c.Remove(ctx, key))
		require.NoError(t, c.Remove(ctx, key))

		_, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
