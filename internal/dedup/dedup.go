// Package dedup provides a seen-message arena with time-based expiry, used to
// forward flooded discovery messages at most once.
package dedup

import (
	"sync"
	"time"
)

// Arena remembers message fingerprints until they expire.
type Arena struct {
	mu      sync.Mutex
	entries map[string]time.Time // fingerprint -> expiry
	ttl     time.Duration
}

// New returns a new Arena whose entries expire after ttl.
func New(ttl time.Duration) *Arena {
	return &Arena{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Seen marks the fingerprint and reports whether it was already present and
// not yet expired. The first caller for a fingerprint gets false.
func (a *Arena) Seen(fingerprint string) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.entries[fingerprint]
	if ok && now.Before(expiry) {
		return true
	}
	a.entries[fingerprint] = now.Add(a.ttl)
	return false
}

// Sweep removes expired entries. Must be called periodically to bound growth.
func (a *Arena) Sweep() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for fp, expiry := range a.entries {
		if now.After(expiry) {
			delete(a.entries, fp)
		}
	}
}

// Len returns the number of entries, expired or not.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
