package sessioncache

// Session is the unit persisted by a SessionStore: an addressable key, the
// cached payload, and the storage TTL in effect for the record.
type Session struct {
	// Key uniquely identifies the session and is immutable for its lifetime.
	// It doubles as the partition key, so every operation on the same key
	// routes to the same logical partition of the store.
	Key string
	// Content is the cached payload. It is never interpreted by this package.
	Content []byte
	// TTLSeconds is the storage countdown in whole seconds, measured from the
	// record's most recent write. nil means the session never expires.
	TTLSeconds *int64
}
