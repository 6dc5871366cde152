package sessioncache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	session *Session
	version Version
	// expiresAt is the wall-clock deadline for the entry. The zero time means
	// the entry never expires.
	expiresAt time.Time
}

// MemoryStore is a process-local SessionStore backed by a map. It honours the
// full store contract, including versioned replaces and TTL countdowns, which
// makes it a stand-in for the hosted backends in tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
	}
}

// Read returns a copy of the stored session, so callers can never mutate the
// store's own record through the returned pointer.
func (s *MemoryStore) Read(_ context.Context, key string) (*Session, Version, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}
	if entry.expired(time.Now()) {
		s.evict(key, entry.version)
		return nil, "", ErrNotFound
	}
	return cloneSession(entry.session), entry.version, nil
}

// Write replaces the session stored under session.Key, provided the entry
// still carries the expected version. The replace restarts the entry's TTL
// countdown from now.
func (s *MemoryStore) Write(_ context.Context, session *Session, expected Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[session.Key]
	if !ok {
		return ErrNotFound
	}
	if entry.expired(time.Now()) {
		delete(s.sessions, session.Key)
		return ErrNotFound
	}
	if entry.version != expected {
		return ErrConflict
	}
	s.sessions[session.Key] = newMemoryEntry(session)
	return nil
}

// Upsert stores the session unconditionally, minting a fresh version.
func (s *MemoryStore) Upsert(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Key] = newMemoryEntry(session)
	return nil
}

// Delete removes the session under key. Deleting an absent key is a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// Close is a no-op; the store holds no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

// evict removes an expired entry, but only if it still carries the version
// observed by the reader. A concurrent write that replaced the entry in the
// meantime must not be discarded.
func (s *MemoryStore) evict(key string, version Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[key]; ok && entry.version == version {
		delete(s.sessions, key)
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

func newMemoryEntry(session *Session) memoryEntry {
	entry := memoryEntry{
		session: cloneSession(session),
		version: Version(uuid.NewString()),
	}
	if session.TTLSeconds != nil {
		entry.expiresAt = time.Now().Add(time.Duration(*session.TTLSeconds) * time.Second)
	}
	return entry
}

func cloneSession(session *Session) *Session {
	clone := &Session{Key: session.Key}
	if session.Content != nil {
		clone.Content = make([]byte, len(session.Content))
		copy(clone.Content, session.Content)
	}
	if session.TTLSeconds != nil {
		ttl := *session.TTLSeconds
		clone.TTLSeconds = &ttl
	}
	return clone
}
