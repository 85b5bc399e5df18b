// Package dedup provides a process-local, bounded LRU for duplicate-event
// suppression (spec §4.9) and doubles as the QueueBus idempotency fingerprint
// cache (spec §4.7). An empty fingerprint is never treated as a duplicate.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/basket/media-orchestrator/internal/clock"
)

// Suppressor tracks recently-seen fingerprints and reports whether a given
// one has already been accepted within the configured window.
type Suppressor struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, time.Time]
	clock  clock.Source
	window time.Duration
}

// New builds a Suppressor holding at most size fingerprints, each considered
// "seen" for window. size and window must both be positive.
func New(size int, window time.Duration, src clock.Source) *Suppressor {
	if src == nil {
		src = clock.NewReal()
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		// Only returns an error for size <= 0; fall back to a sane minimum
		// rather than panicking a long-lived process over a config typo.
		c, _ = lru.New[string, time.Time](1)
	}
	return &Suppressor{cache: c, clock: src, window: window}
}

// Seen reports whether fingerprint was already accepted within the window,
// recording it as accepted if not. An empty fingerprint is always treated as
// fresh (never a duplicate), per spec §4.9.
func (s *Suppressor) Seen(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if acceptedAt, ok := s.cache.Get(fingerprint); ok {
		if now.Sub(acceptedAt) < s.window {
			return true
		}
		// Entry aged out of the window; treat as fresh and refresh it below.
	}
	s.cache.Add(fingerprint, now)
	return false
}

// Forget removes a fingerprint, used on publish failure so retries of the
// same message are not treated as duplicates (spec §4.7).
func (s *Suppressor) Forget(fingerprint string) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(fingerprint)
}

// Len reports the number of fingerprints currently tracked.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
