// Package sessioncache caches opaque session payloads in an external
// key-value document store, translating absolute and sliding expiration
// policies into store-level TTLs and renewing the countdown on every read
// through optimistic-concurrency replaces.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StoreOpener establishes the store connection on first use, for deployments
// that configure a Cache before its store is reachable. It is called at most
// once successfully; a failed attempt is retried by the next operation.
type StoreOpener func(ctx context.Context) (SessionStore, error)

// Cache exposes distributed get/set/remove/refresh over a SessionStore. Every
// successful read renews the session's TTL countdown with a conditional
// replace, so sliding windows restart on access. The Cache performs no
// background work and takes no per-key locks: conflicting writes to the same
// key are resolved entirely by the store's optimistic concurrency.
type Cache struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	open  StoreOpener
	store SessionStore
	owned bool
}

// NewCache wraps an already-connected store. The store's lifecycle stays with
// the caller; Close will not release it.
func NewCache(store SessionStore, logger zerolog.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("session store cannot be nil")
	}
	return &Cache{
		store:  store,
		logger: logger.With().Str("component", "Cache").Logger(),
	}, nil
}

// NewLazyCache defers store construction to the first operation. Callers
// racing on first use block behind a single initializer; once one attempt
// succeeds the handle is shared read-only and the gate is skipped entirely.
// The Cache owns the opened store and releases it on Close.
func NewLazyCache(open StoreOpener, logger zerolog.Logger) (*Cache, error) {
	if open == nil {
		return nil, errors.New("store opener cannot be nil")
	}
	return &Cache{
		open:   open,
		logger: logger.With().Str("component", "Cache").Logger(),
	}, nil
}

// Get returns the payload cached under key. The second return reports whether
// the session was found; a miss is not an error. A hit renews the session's
// TTL countdown before returning, restarting any sliding window.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.readAndRenew(ctx, key)
}

// Refresh renews the TTL countdown of the session under key without returning
// its payload. Refreshing an absent key is not an error.
func (c *Cache) Refresh(ctx context.Context, key string) error {
	_, _, err := c.readAndRenew(ctx, key)
	return err
}

// Set stores content under key, fully replacing any existing session. The
// policy is resolved against the current time to produce the storage TTL; a
// policy whose absolute deadline is not strictly in the future is rejected
// before the store is touched.
func (c *Cache) Set(ctx context.Context, key string, content []byte, policy *ExpirationPolicy) error {
	if key == "" {
		return fmt.Errorf("key must not be empty: %w", ErrInvalidArgument)
	}
	if content == nil {
		return fmt.Errorf("content must not be nil: %w", ErrInvalidArgument)
	}
	if policy == nil {
		return fmt.Errorf("expiration policy must not be nil: %w", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ttl, err := policy.StorageTTL(time.Now())
	if err != nil {
		return err
	}

	store, err := c.ensureStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Upsert(ctx, &Session{Key: key, Content: content, TTLSeconds: ttl}); err != nil {
		return fmt.Errorf("storing session %s: %w", key, err)
	}
	c.logger.Debug().Str("key", key).Msg("Session stored.")
	return nil
}

// Remove deletes the session under key. Removing an absent key is not an
// error, and repeated removals are no-ops.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty: %w", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	store, err := c.ensureStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing session %s: %w", key, err)
	}
	c.logger.Debug().Str("key", key).Msg("Session removed.")
	return nil
}

// Close releases the store if the cache opened it itself. Operations issued
// after Close fail.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = nil
	store := c.store
	c.store = nil
	if store == nil || !c.owned {
		return nil
	}
	return store.Close()
}

// readAndRenew is the shared body of Get and Refresh: look the session up and
// write it back unchanged so the store restarts its TTL countdown from this
// access. The replace is conditioned on the version that was read; a renewal
// that loses the race re-reads and tries again against the new version. The
// loop is unbounded but every iteration is an idempotent identical-content
// replace, and cancellation is honoured between iterations.
func (c *Cache) readAndRenew(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key must not be empty: %w", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	store, err := c.ensureStore(ctx)
	if err != nil {
		return nil, false, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		session, version, err := store.Read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug().Str("key", key).Msg("Cache miss.")
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("reading session %s: %w", key, err)
		}

		err = store.Write(ctx, session, version)
		switch {
		case err == nil:
			c.logger.Debug().Str("key", key).Msg("Cache hit, session renewed.")
			return session.Content, true, nil
		case errors.Is(err, ErrConflict):
			c.logger.Debug().Str("key", key).Msg("Renewal lost a write race, re-reading.")
		case errors.Is(err, ErrNotFound):
			// The session vanished between the read and the renewal.
			c.logger.Debug().Str("key", key).Msg("Session removed during renewal, treating as miss.")
			return nil, false, nil
		default:
			return nil, false, fmt.Errorf("renewing session %s: %w", key, err)
		}
	}
}

// ensureStore returns the shared store handle, opening it on first use. The
// double check under the write lock keeps concurrent first calls down to a
// single initialization attempt.
func (c *Cache) ensureStore(ctx context.Context) (SessionStore, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store != nil {
		return store, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	if c.open == nil {
		return nil, errors.New("cache is closed")
	}

	store, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	if store == nil {
		return nil, errors.New("store opener returned a nil store")
	}
	c.store = store
	c.owned = true
	c.logger.Info().Msg("Session store opened.")
	return store, nil
}
