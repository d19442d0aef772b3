package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

func TestExportBoundaries(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0 := tc.caches[0]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	tc.mkfile(c0, a, "f", proto.KindRegular)

	require.Equal(t, apierrors.ErrExportRoot, c0.ExportDir(ctx, root, 1))
	require.Equal(t, apierrors.ErrExportToSelf, c0.ExportDir(ctx, a, 0))

	require.NoError(t, c0.ExportDir(ctx, a, 1))
	// a second export while freezing is refused
	require.Equal(t, apierrors.ErrExportBusy, c0.ExportDir(ctx, a, 1))
	tc.pump()
}

func TestExportImport(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	f := tc.mkfile(c0, a, "f", proto.KindRegular)
	f.Stat.Size = 123
	b := tc.mkfile(c0, a, "b", proto.KindDir)
	g := tc.mkfile(c0, b, "g", proto.KindRegular)

	require.NoError(t, c0.ExportDir(ctx, a, 1))
	tc.pump()

	// exporter side: a is now a hole in the root import
	require.Contains(t, c0.exports, a)
	require.Contains(t, c0.nestedExports[root], a)
	require.Equal(t, proto.NodeID(1), a.DirAuth)
	require.False(t, a.Dir.IsAuth())
	require.False(t, f.IsAuth())
	require.False(t, b.IsAuth())
	require.False(t, g.IsAuth())

	// importer side: a full authoritative subtree
	a1 := c1.GetInode(a.Ino())
	f1 := c1.GetInode(f.Ino())
	b1 := c1.GetInode(b.Ino())
	g1 := c1.GetInode(g.Ino())
	require.NotNil(t, a1)
	require.Contains(t, c1.imports, a1)
	require.True(t, a1.Dir.IsAuth())
	require.True(t, a1.Dir.IsImport())
	require.True(t, f1.IsAuth())
	require.True(t, b1.IsAuth())
	require.True(t, g1.IsAuth())
	require.Equal(t, uint64(123), f1.Stat.Size)
	require.True(t, f1.IsCachedBy(0))

	// the old authority is told about the move and spreads updates
	require.Equal(t, proto.NodeID(1), root.Dir.Lookup("a").Inode.DirAuth)
}

// Export/import round-trip: shipping a subtree out and back preserves the
// metadata, modulo the exchanged cached_by pair.
func TestExportImportRoundTrip(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	f := tc.mkfile(c0, a, "f", proto.KindRegular)
	f.Stat.Size = 4096
	f.Stat.Mode = 0o640
	f.Pop = 2.5
	a.Pop = 2.5

	require.NoError(t, c0.ExportDir(ctx, a, 1))
	tc.pump()

	a1 := c1.GetInode(a.Ino())
	require.NoError(t, c1.ExportDir(ctx, a1, 0))
	tc.pump()

	require.NotContains(t, c0.exports, a)
	require.Contains(t, c0.imports, root)
	require.Equal(t, proto.AuthParent, a.DirAuth)
	require.True(t, a.Dir.IsAuth())
	require.True(t, f.IsAuth())
	require.Equal(t, uint64(4096), f.Stat.Size)
	require.Equal(t, uint32(0o640), f.Stat.Mode)
	require.InDelta(t, 2.5, f.Pop, 1e-9)

	// cached_by differs only by the exchanged pair
	require.True(t, f.IsCachedBy(1))
	require.False(t, f.IsCachedBy(0))
}

// A traversal parked under the subtree is redelegated to the new authority
// and completes there.
func TestExportRedelegatesWaiter(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0 := tc.caches[0]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	tc.mkfile(c0, a, "b", proto.KindRegular)

	parked := &proto.Envelope{
		Source:     proto.Client(testClient),
		Dest:       proto.MDS(0),
		SourcePort: proto.PortClient,
		DestPort:   proto.PortCache,
		Msg:        &proto.ClientOp{Op: proto.OpStat, Client: testClient, Path: "/a/zzz"},
	}
	a.Dir.AddDentryWaiter("zzz", waiter{env: parked})

	require.NoError(t, c0.ExportDir(ctx, a, 1))
	tc.pump()

	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, ErrnoNoEnt, acks[0].Err)
}

// Trimming an import empty triggers a spontaneous re-export to the inode
// authority.
func TestTrimReExportsEmptyImport(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	x := tc.mkfile(c0, root, "x", proto.KindDir)
	f := tc.mkfile(c0, x, "f", proto.KindRegular)

	require.NoError(t, c0.ExportDir(ctx, x, 1))
	tc.pump()

	x1 := c1.GetInode(x.Ino())
	f1 := c1.GetInode(f.Ino())
	require.Contains(t, c1.imports, x1)
	require.True(t, f1.IsAuth())

	// the exporter's leftover replica of f pins f1 through cached_by;
	// drop it first
	c0.Trim(ctx, 0)
	tc.pump()
	require.False(t, f1.IsCachedByAnyone())

	// now the import empties out and goes home
	c1.Trim(ctx, 0)
	tc.pump()

	require.NotContains(t, c1.imports, x1)
	require.Empty(t, c0.exports)
	require.Equal(t, proto.AuthParent, x.DirAuth)
	require.True(t, x.Dir.IsAuth())
	require.True(t, x.Dir.IsImport() == false)
	require.Contains(t, c0.imports, root)
}

// Trimming never evicts through a frozen import.
func TestTrimLeavesFrozenImport(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	x := tc.mkfile(c0, root, "x", proto.KindDir)
	tc.mkfile(c0, x, "f", proto.KindRegular)

	require.NoError(t, c0.ExportDir(ctx, x, 1))
	tc.pump()
	c0.Trim(ctx, 0)
	tc.pump()

	x1 := c1.GetInode(x.Ino())
	// freeze the import and trim: children go, the import stays put
	x1.Dir.FreezeTree(nil)
	c1.Trim(ctx, 0)
	tc.pump()

	require.Contains(t, c1.imports, x1)
	require.True(t, x1.Dir.IsFrozenTreeRoot())
	require.Equal(t, proto.NodeID(1), x1.DirAuth)
}
