package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/clock"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewReal())

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)

	require.NoError(t, s.Set(ctx, "instance:a", []byte("x"), time.Second))
	fc.Advance(2 * time.Second)

	_, err := s.Get(ctx, "instance:a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewReal())
	require.NoError(t, s.Set(ctx, "instance:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "instance:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "lock:x", []byte("3"), 0))

	out, err := s.ListByPrefix(ctx, "instance:")
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewReal())

	ok, err := s.CompareAndSwap(ctx, "lock:x", nil, []byte("owner-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "lock:x", nil, []byte("owner-b"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "takeover must fail when current value doesn't match")

	ok, err = s.CompareAndSwap(ctx, "lock:x", []byte("owner-a"), []byte("owner-a-renewed"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
