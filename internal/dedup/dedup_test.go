package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/clock"
)

func TestEmptyFingerprintNeverDuplicate(t *testing.T) {
	s := New(10, time.Minute, clock.NewReal())
	require.False(t, s.Seen(""))
	require.False(t, s.Seen(""))
}

func TestSeenWithinWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(10, time.Minute, fc)

	require.False(t, s.Seen("abc"))
	require.True(t, s.Seen("abc"), "second delivery within window must be a duplicate")

	fc.Advance(2 * time.Minute)
	require.False(t, s.Seen("abc"), "entry aged out of the window must be treated as fresh")
}

func TestForgetAllowsRetry(t *testing.T) {
	s := New(10, time.Minute, clock.NewReal())
	require.False(t, s.Seen("msg-1"))
	s.Forget("msg-1")
	require.False(t, s.Seen("msg-1"), "forgotten fingerprint must not read as duplicate")
}

func TestBounded(t *testing.T) {
	s := New(2, time.Minute, clock.NewReal())
	s.Seen("a")
	s.Seen("b")
	s.Seen("c")
	require.LessOrEqual(t, s.Len(), 2)
}
