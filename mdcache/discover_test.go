package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

// Cross-MDS stat: the asker has nothing cached; the op forwards to the
// authority and resolves there.
func TestCrossMDSStatForward(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	tc.mkfile(c0, a, "b", proto.KindDir)

	tc.clientOp(1, &proto.ClientOp{Op: proto.OpStat, Path: "/a/b/c"})
	tc.pump()

	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, ErrnoNoEnt, acks[0].Err)

	// no operation pins linger on the asker
	if r1 := c1.Root(); r1 != nil {
		require.False(t, r1.IsPinnedBy(PinPreSync))
		require.False(t, r1.IsPinnedBy(PinWaitOnUnsync))
	}
}

func TestDiscoverInstallsReplicas(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	b := tc.mkfile(c0, a, "b", proto.KindRegular)
	b.Stat.Size = 42

	tc.discoverPath(1, "/a/b")

	a1 := c1.GetInode(a.Ino())
	b1 := c1.GetInode(b.Ino())
	require.NotNil(t, a1)
	require.NotNil(t, b1)
	require.False(t, a1.IsAuth())
	require.False(t, b1.IsAuth())
	require.Equal(t, uint64(42), b1.Stat.Size)
	require.Equal(t, b1, a1.Dir.Lookup("b").Inode)

	// the authority tracks the new replica holder
	require.True(t, a.IsCachedBy(1))
	require.True(t, b.IsCachedBy(1))
	require.False(t, b.Expireable()) // pinned by cached_by
}

// Applying the same discover trace twice yields the same state as applying
// it once.
func TestDiscoverIdempotent(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	b := tc.mkfile(c0, a, "b", proto.KindRegular)

	tc.discoverPath(1, "/a/b")
	a1, b1 := c1.GetInode(a.Ino()), c1.GetInode(b.Ino())
	size := c1.Size()

	// replay the reply verbatim
	dup := &proto.Discover{
		Asker:    1,
		BasePath: "",
		Want:     []string{"a", "b"},
		Trace: []proto.DiscoverRec{
			tc.caches[0].replicaSnapshot(a),
			tc.caches[0].replicaSnapshot(b),
		},
	}
	c1.HandleEnvelope(context.Background(), &proto.Envelope{
		Source:     proto.MDS(0),
		Dest:       proto.MDS(1),
		SourcePort: proto.PortCache,
		DestPort:   proto.PortCache,
		Msg:        dup,
	})
	tc.pump()

	require.Equal(t, size, c1.Size())
	require.Equal(t, a1, c1.GetInode(a.Ino()))
	require.Equal(t, b1, c1.GetInode(b.Ino()))
}

// Every replica created by discovery is matched by an expire that drains
// cached_by on the authority.
func TestExpireDrainsCachedBy(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindRegular)
	tc.discoverPath(1, "/a")
	require.True(t, a.IsCachedBy(1))

	c1.Trim(context.Background(), 0)
	tc.pump()

	require.False(t, a.IsCachedBy(1))
	require.Equal(t, 0, c1.Size())
	require.True(t, a.Expireable())
}

// A stale InodeUpdate against an evicted replica comes back as a soft
// expire and is never forwarded.
func TestStaleUpdateSoftExpire(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	c0, c2 := tc.caches[0], tc.caches[2]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindRegular)
	tc.discoverPath(2, "/a")
	require.True(t, a.IsCachedBy(2))

	// simulate a lost expire: node 2 drops the replica without telling
	a2 := c2.GetInode(a.Ino())
	require.NotNil(t, a2)
	c2.RemoveInode(a2)

	c0.sendInodeUpdates(context.Background(), a)
	tc.pump()

	require.False(t, a.IsCachedBy(2))
}

// A replication-policy change on the authority reaches replica dirs.
func TestDirUpdateSpreads(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	d := tc.mkfile(c0, root, "d", proto.KindDir)
	tc.discoverPath(1, "/d")

	c0.SetDirRep(context.Background(), d, proto.DirRepAll, nil)
	tc.pump()

	d1 := c1.GetInode(d.Ino())
	require.NotNil(t, d1.Dir)
	require.Equal(t, proto.DirRepAll, d1.Dir.dirRep)
}

// Expire hops are bounded by the cluster size.
func TestExpireHopLimit(t *testing.T) {
	tc := newTestCluster(t, 3, nil)

	env := &proto.Envelope{
		Source:     proto.MDS(1),
		Dest:       proto.MDS(1),
		SourcePort: proto.PortCache,
		DestPort:   proto.PortCache,
		Msg:        &proto.InodeExpire{Ino: 424242, From: 1},
	}
	require.NoError(t, tc.lb.Send(context.Background(), env))
	tc.pump() // terminates: the hop limit drops it
}
