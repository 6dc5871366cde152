package sessioncache

import (
	"fmt"
	"time"
)

// ExpirationPolicy describes when a cached session stops being served. Every
// field is optional and a zero value means "unset"; a policy with nothing set
// produces a session that never expires.
type ExpirationPolicy struct {
	// AbsoluteExpiration is a fixed deadline after which the session must no
	// longer be served. When set it must lie strictly after the write time.
	AbsoluteExpiration time.Time
	// AbsoluteExpirationFromNow expresses the deadline relative to the write
	// time. When set it takes precedence over AbsoluteExpiration.
	AbsoluteExpirationFromNow time.Duration
	// SlidingExpiration is a window that restarts on every successful read.
	// The session expires once the window elapses without an access, but it
	// never outlives an absolute deadline.
	SlidingExpiration time.Duration
}

// StorageTTL resolves the policy against the given write time into the TTL a
// store should apply, in whole (truncated) seconds. A nil result means the
// session never expires. The policy must be re-resolved at every write: a
// sliding session's TTL is always measured from the write itself, never from
// the session's original creation.
func (p ExpirationPolicy) StorageTTL(creationTime time.Time) (*int64, error) {
	// A directly supplied deadline is validated before the relative override
	// is applied, so a stale deadline is rejected even when it would have been
	// superseded.
	if !p.AbsoluteExpiration.IsZero() && !p.AbsoluteExpiration.After(creationTime) {
		return nil, fmt.Errorf("absolute expiration %v is not in the future: %w",
			p.AbsoluteExpiration, ErrInvalidArgument)
	}
	if p.AbsoluteExpirationFromNow < 0 {
		return nil, fmt.Errorf("relative expiration %v is negative: %w",
			p.AbsoluteExpirationFromNow, ErrInvalidArgument)
	}
	if p.SlidingExpiration < 0 {
		return nil, fmt.Errorf("sliding expiration %v is negative: %w",
			p.SlidingExpiration, ErrInvalidArgument)
	}

	deadline := p.AbsoluteExpiration
	if p.AbsoluteExpirationFromNow > 0 {
		deadline = creationTime.Add(p.AbsoluteExpirationFromNow)
	}

	hasDeadline := !deadline.IsZero()
	hasSliding := p.SlidingExpiration > 0

	var ttl time.Duration
	switch {
	case hasDeadline && hasSliding:
		// The tighter bound wins so repeated sliding renewals can never push
		// a session past its absolute deadline.
		ttl = min(deadline.Sub(creationTime), p.SlidingExpiration)
	case hasDeadline:
		ttl = deadline.Sub(creationTime)
	case hasSliding:
		ttl = p.SlidingExpiration
	default:
		return nil, nil
	}

	seconds := int64(ttl / time.Second)
	return &seconds, nil
}
