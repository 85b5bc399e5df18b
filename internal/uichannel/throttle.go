package uichannel

import (
	"sync"
	"time"

	"github.com/basket/media-orchestrator/internal/clock"
)

// Throttle implements the per progress-message rate gate (spec §4.6):
// monitorLocks stores the last refresh timestamp per msg_id; a refresh
// request is dropped unless min_refresh_interval has elapsed, except a
// refresh carrying a terminal status, which always goes through.
type Throttle struct {
	mu          sync.Mutex
	monitorLocks map[int64]time.Time
	minInterval time.Duration
	clock       clock.Source
}

// NewThrottle builds a Throttle gating refreshes to no more than one per
// minInterval per msg_id.
func NewThrottle(minInterval time.Duration, src clock.Source) *Throttle {
	if src == nil {
		src = clock.NewReal()
	}
	return &Throttle{
		monitorLocks: make(map[int64]time.Time),
		minInterval:  minInterval,
		clock:        src,
	}
}

// Allow reports whether a refresh of msgID should proceed now, and if so
// records the refresh time. A terminal refresh always proceeds and always
// updates the lock (so e.g. a cancel doesn't re-trigger the same edit).
func (t *Throttle) Allow(msgID int64, terminal bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !terminal {
		if last, ok := t.monitorLocks[msgID]; ok && now.Sub(last) < t.minInterval {
			return false
		}
	}
	t.monitorLocks[msgID] = now
	return true
}

// Forget removes msgID's throttle state, e.g. once its task reaches a
// terminal status and no further refreshes are expected.
func (t *Throttle) Forget(msgID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.monitorLocks, msgID)
}
