package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// SessionStore retains upstream session cookies per channel so chunklist and
// segment fetches reuse the affinity the master playlist fetch established.
// Entries expire after the configured TTL and the store is size-bounded, so
// abandoned channels cannot accumulate cookie state.
type SessionStore struct {
	cookies *otter.Cache[int, []string]
}

// NewSessionStore builds a bounded cookie store with per-write expiry.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		cookies: otter.Must(&otter.Options[int, []string]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[int, []string](ttl),
		}),
	}
}

// Set replaces the channel's session cookies. Empty cookie sets are ignored
// so a cookie-less refresh does not wipe an existing session.
func (s *SessionStore) Set(channel int, setCookies []string) {
	if len(setCookies) == 0 {
		return
	}
	s.cookies.Set(channel, setCookies)
}

// Get returns the channel's session cookies, or nil when none are live.
func (s *SessionStore) Get(channel int) []string {
	if v, ok := s.cookies.GetIfPresent(channel); ok {
		return v
	}
	return nil
}

// Clear drops the channel's session, used on channel teardown.
func (s *SessionStore) Clear(channel int) {
	s.cookies.Invalidate(channel)
}
