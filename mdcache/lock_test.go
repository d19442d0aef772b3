package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

// A hard write on the authority runs the two-phase lock across cached_by
// and releases it when the writer drains.
func TestWriteHardLock(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	f1 := c1.GetInode(f.Ino())

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpChmod, Path: "/f", Mode: 0o700})
	tc.pump()

	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.Equal(t, uint32(0o700), f.Stat.Mode)

	require.False(t, f.IsLockByMe())
	require.False(t, f.IsPreLock())
	require.Equal(t, 0, f.lockActiveCount)
	require.False(t, f1.IsLockByAuth())
}

// A hard write landing on a replica is forwarded to the authority.
func TestWriteHardForwardsToAuthority(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")

	tc.clientOp(1, &proto.ClientOp{Op: proto.OpChmod, Path: "/f", Mode: 0o600})
	tc.pump()

	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.Equal(t, uint32(0o600), f.Stat.Mode)
	require.Equal(t, 0, f.lockActiveCount)

	// the replica never wrote anything
	f1 := c1.GetInode(f.Ino())
	require.NotEqual(t, uint32(0o600), f1.Stat.Mode)
	c1.CheckInvariants()
}

// Sticky lock: the lock is kept after the writer drains, and a replica read
// parks until the authority lets go.
func TestStickyLockBlocksReplicaRead(t *testing.T) {
	tc := newTestCluster(t, 2, func(cfg *Config) {
		cfg.StickyLock = true
	})
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	f1 := c1.GetInode(f.Ino())

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpChmod, Path: "/f", Mode: 0o700})
	tc.pump()
	tc.sink.take()
	require.True(t, f.IsLockByMe())
	require.True(t, f1.IsLockByAuth())

	// the replica read parks on UNLOCK
	tc.clientOp(1, &proto.ClientOp{Op: proto.OpStat, Path: "/f"})
	tc.pump()
	require.Empty(t, tc.sink.take())
	require.True(t, f1.IsWaitOnUnlock())

	// authority releases; the parked read completes
	c0.inodeLockRelease(ctx, f)
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.False(t, f1.IsLockByAuth())
	require.False(t, f1.IsWaitOnUnlock())
}

// A lock start racing an eviction naks and the authority shrinks cached_by.
func TestLockNakShrinksCachedBy(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	c1.RemoveInode(c1.GetInode(f.Ino()))

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpChmod, Path: "/f", Mode: 0o755})
	tc.pump()

	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.False(t, f.IsCachedBy(1))
}
