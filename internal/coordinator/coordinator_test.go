package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/coordinator"
	"github.com/basket/media-orchestrator/internal/kvstore"
)

func newFakeCoordinator(t *testing.T, id string, fc *clock.Fake, kv kvstore.Store) *coordinator.Coordinator {
	t.Helper()
	return coordinator.New(kv, fc, nil, coordinator.Config{
		InstanceID:          id,
		InstanceTimeout:     time.Minute,
		HeartbeatInterval:   10 * time.Second,
		LeaderSweepInterval: 30 * time.Second,
	})
}

func TestStartRegistersAndActiveInstancesSeesIt(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)
	c := newFakeCoordinator(t, "node-b", fc, kv)

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	ids, err := c.ActiveInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"node-b"}, ids)
}

func TestLeaderIsLowestActiveID(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)

	a := newFakeCoordinator(t, "node-a", fc, kv)
	b := newFakeCoordinator(t, "node-b", fc, kv)
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	leader, err := a.Leader(ctx)
	require.NoError(t, err)
	require.Equal(t, "node-a", leader)
	require.True(t, a.IsLeader(ctx))
	require.False(t, b.IsLeader(ctx))
}

func TestInactiveInstanceDropsOutOfLeadership(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)

	a := newFakeCoordinator(t, "node-a", fc, kv)
	b := newFakeCoordinator(t, "node-b", fc, kv)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	a.Stop()
	fc.Advance(2 * time.Minute) // past instance_timeout, no more heartbeats from a

	leader, err := b.Leader(ctx)
	require.NoError(t, err)
	require.Equal(t, "node-b", leader)
}

func TestAcquireLockExcludesOtherHolder(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)

	a := newFakeCoordinator(t, "node-a", fc, kv)
	b := newFakeCoordinator(t, "node-b", fc, kv)

	ok, err := a.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireLockAllowsTakeoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)

	a := newFakeCoordinator(t, "node-a", fc, kv)
	b := newFakeCoordinator(t, "node-b", fc, kv)

	ok, err := a.AcquireLock(ctx, "upload:group-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(31 * time.Second)

	ok, err = b.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseLockOnlyRemovesOwnLock(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(0, 0))
	kv := kvstore.NewMemoryStore(fc)

	a := newFakeCoordinator(t, "node-a", fc, kv)
	b := newFakeCoordinator(t, "node-b", fc, kv)

	ok, err := a.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.ReleaseLock(ctx, "upload:group-1"))

	ok, err = b.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "b must not be able to acquire a lock it does not own by releasing it first")

	require.NoError(t, a.ReleaseLock(ctx, "upload:group-1"))
	ok, err = b.AcquireLock(ctx, "upload:group-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
