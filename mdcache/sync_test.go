package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

// Soft-async write: the replica writes locally with no sync exchange; a
// later read on the authority pulls the newest soft metadata over one sync
// round trip.
func TestSoftAsyncWrite(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	f.Stat.Size = 100
	f.Dist |= DistSoftAsync

	tc.discoverPath(1, "/f")
	f1 := c1.GetInode(f.Ino())
	require.True(t, f1.IsSoftAsync())

	// local write on the replica, nothing crosses the wire to the authority
	tc.clientOp(1, &proto.ClientOp{Op: proto.OpTouch, Path: "/f", Size: 200})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, uint64(200), acks[0].Stat.Size)
	require.Equal(t, uint64(200), f1.Stat.Size)
	require.Equal(t, uint64(100), f.Stat.Size) // authority learns later

	// authority read syncs and returns the latest size
	tc.clientOp(0, &proto.ClientOp{Op: proto.OpStat, Path: "/f"})
	tc.pump()
	acks = tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, uint64(200), acks[0].Stat.Size)
	require.Equal(t, uint64(200), f.Stat.Size)

	// sticky off: the sync was dropped right after use
	require.False(t, f.IsSyncByMe())
	require.False(t, f1.IsSyncByAuth())
}

// Normal regime: a soft write on the authority acquires the sync across
// cached_by and releases it after use.
func TestNormalWriteSyncRoundTrip(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpTouch, Path: "/f", Size: 300})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, uint64(300), acks[0].Stat.Size)
	require.Equal(t, uint64(300), f.Stat.Size)

	require.False(t, f.IsSyncByMe())
	require.False(t, f.IsPreSync())
	f1 := c1.GetInode(f.Ino())
	require.False(t, f1.IsSyncByAuth())

	// a replica read in the normal regime stays local
	tc.clientOp(1, &proto.ClientOp{Op: proto.OpStat, Path: "/f"})
	tc.pump()
	acks = tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
}

// Sticky sync: the authority keeps the sync after a write; a replica read
// that finds SYNCBYAUTH set recalls it.
func TestStickySyncRecall(t *testing.T) {
	tc := newTestCluster(t, 2, func(cfg *Config) {
		cfg.StickySyncNormal = true
	})
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	f1 := c1.GetInode(f.Ino())

	// authority write acquires and keeps the sync
	tc.clientOp(0, &proto.ClientOp{Op: proto.OpTouch, Path: "/f", Size: 5})
	tc.pump()
	tc.sink.take()
	require.True(t, f.IsSyncByMe())
	require.True(t, f1.IsSyncByAuth())

	// replica read is blocked by the held sync; the recall frees it
	tc.clientOp(1, &proto.ClientOp{Op: proto.OpStat, Path: "/f"})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.False(t, f.IsSyncByMe())
	require.False(t, f1.IsSyncByAuth())
	require.False(t, f1.IsWaitOnUnsync())
}

// A sync start racing an eviction naks with did_have=false and the
// authority shrinks cached_by.
func TestSyncNakShrinksCachedBy(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	require.True(t, f.IsCachedBy(1))

	// replica vanishes without an expire reaching the authority
	c1.RemoveInode(c1.GetInode(f.Ino()))

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpTouch, Path: "/f", Size: 10})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.False(t, f.IsCachedBy(1))
}

// Client write-opens intercept a sync: the replica forwards the sync to its
// clients and only acks (wantback) when they have all acked.
func TestSyncForwardsToWriteClients(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	root := c0.Root()

	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	tc.discoverPath(1, "/f")
	f1 := c1.GetInode(f.Ino())
	f1.OpenWriteAdd(testClient)

	// the client endpoint echoes sync starts with sync acks
	tc.lb.Register(proto.Client(testClient), clientEcho{tc})

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpTouch, Path: "/f", Size: 77})
	tc.pump()

	require.Equal(t, uint64(77), f.Stat.Size)
	require.False(t, f.IsSyncByMe()) // wantback forced the release
	require.False(t, f1.IsSyncByAuth())
	require.Nil(t, f1.pendingSyncRequest)
}

// clientEcho acks sync starts like a cooperative client would.
type clientEcho struct{ tc *testCluster }

func (e clientEcho) HandleEnvelope(ctx context.Context, env *proto.Envelope) {
	if m, ok := env.Msg.(*proto.InodeSyncStart); ok {
		reply := &proto.Envelope{
			Source:     proto.Client(testClient),
			Dest:       env.Source,
			SourcePort: proto.PortClient,
			DestPort:   proto.PortCache,
			Msg:        &proto.InodeSyncAck{Ino: m.Ino, DidHave: true},
		}
		e.tc.lb.Send(ctx, reply)
	}
}

// Scenario: a sync completes while its subtree is freezing for export; the
// release is immediate so the freeze, and then the export, proceed.
func TestSyncReleaseUnblocksFreeze(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	f := tc.mkfile(c0, a, "f", proto.KindRegular)
	f.Dist |= DistSoftAsync

	tc.discoverPath(1, "/a/f")

	// park a stat on the pending sync without letting messages move
	statEnv := &proto.Envelope{
		Source:     proto.Client(testClient),
		Dest:       proto.MDS(0),
		SourcePort: proto.PortClient,
		DestPort:   proto.PortCache,
		Msg:        &proto.ClientOp{Op: proto.OpStat, Client: testClient, Path: "/a/f"},
	}
	c0.HandleEnvelope(ctx, statEnv)
	require.True(t, f.IsPreSync())

	// now start the export; the sync's auth-pin holds the freeze open
	require.NoError(t, c0.ExportDir(ctx, a, 1))
	require.True(t, a.Dir.IsFreezing())
	require.False(t, a.Dir.IsFrozenTreeRoot())

	tc.pump()

	// the stat completed, the sync was dropped immediately, the export ran
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.False(t, f.IsSyncByMe())

	require.Contains(t, c0.exports, a)
	a1 := c1.GetInode(a.Ino())
	require.NotNil(t, a1)
	require.Contains(t, c1.imports, a1)
	require.True(t, c1.GetInode(f.Ino()).IsAuth())
}
