package sessioncache

import (
	"context"
	"errors"
)

// Version is the opaque concurrency tag of a stored session. A store hands one
// out on Read and accepts it back on Write; the cache service never interprets
// the value.
type Version string

var (
	// ErrInvalidArgument reports a locally-detected bad argument. Operations
	// return it before any store interaction takes place.
	ErrInvalidArgument = errors.New("sessioncache: invalid argument")
	// ErrNotFound reports that no session exists under the requested key.
	ErrNotFound = errors.New("sessioncache: session not found")
	// ErrConflict reports that a conditional write lost a race: the stored
	// version no longer matches the expected one.
	ErrConflict = errors.New("sessioncache: version conflict")
)

// SessionStore is the storage collaborator behind a Cache. Implementations
// must apply TTLSeconds as a countdown from the record's most recent write and
// must be safe for concurrent use. Keys are non-empty; the Cache validates
// them before any store call.
type SessionStore interface {
	// Read returns the session stored under key together with its current
	// version tag. A missing (or already expired) session is ErrNotFound.
	Read(ctx context.Context, key string) (*Session, Version, error)
	// Write replaces the session, conditioned on the stored version still
	// matching expected. A version mismatch is ErrConflict; a session that no
	// longer exists is ErrNotFound. Stores that cannot tell a vanished
	// session from a lost race may report ErrConflict for both; callers
	// resolve the difference by re-reading.
	Write(ctx context.Context, session *Session, expected Version) error
	// Upsert unconditionally creates or fully replaces the session.
	Upsert(ctx context.Context, session *Session) error
	// Delete removes the session under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources owned by the store.
	Close() error
}
