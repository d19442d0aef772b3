package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

func TestRootOpen(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	c0 := tc.caches[0]

	root := c0.Root()
	require.NotNil(t, root)
	require.True(t, root.IsRoot())
	require.True(t, root.IsAuth())
	require.True(t, root.Dir.IsAuth())
	require.True(t, root.Dir.IsImport())
	require.Contains(t, c0.imports, root)
	c0.CheckInvariants()
}

func TestLinkAndAuthority(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0 := tc.caches[0]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	b := tc.mkfile(c0, a, "b", proto.KindDir)

	require.Equal(t, proto.NodeID(0), root.Authority(tc.cl))
	require.Equal(t, proto.NodeID(0), a.Authority(tc.cl))
	require.Equal(t, proto.NodeID(0), b.Authority(tc.cl))
	require.Equal(t, "/a/b", c0.MakePath(b))

	// a nested delegation changes the authority of everything below
	a.DirAuth = 1
	require.Equal(t, proto.NodeID(0), a.Authority(tc.cl))
	require.Equal(t, proto.NodeID(1), a.DirAuthority(tc.cl))
	require.Equal(t, proto.NodeID(1), b.Authority(tc.cl))
	a.DirAuth = proto.AuthParent

	// linking under a regular file is refused
	f := tc.mkfile(c0, root, "f", proto.KindRegular)
	child := c0.CreateInode(proto.KindRegular)
	require.Equal(t, apierrors.ErrNotDir, c0.LinkInode(f, "x", child))
	c0.RemoveInode(child)

	// removal detaches from the parent
	c0.RemoveInode(b)
	require.Nil(t, a.Dir.Lookup("b"))
	c0.CheckInvariants()
}

func TestChildPinsParent(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	c0 := tc.caches[0]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	f := tc.mkfile(c0, a, "f", proto.KindRegular)

	require.False(t, a.Expireable())
	require.True(t, f.Expireable())

	c0.RemoveInode(f)
	require.True(t, a.Expireable())
}

func TestTraverseLocal(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	c0 := tc.caches[0]
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	b := tc.mkfile(c0, a, "b", proto.KindRegular)
	tc.mkfile(c0, root, "f", proto.KindRegular)

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpStat, Path: "/a/b"})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.Equal(t, b.Ino(), acks[0].Stat.Ino)

	// complete dir, missing name
	tc.clientOp(0, &proto.ClientOp{Op: proto.OpStat, Path: "/a/zzz"})
	tc.pump()
	acks = tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, ErrnoNoEnt, acks[0].Err)

	// descend through a regular file
	tc.clientOp(0, &proto.ClientOp{Op: proto.OpStat, Path: "/f/x"})
	tc.pump()
	acks = tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, ErrnoNotDir, acks[0].Err)
}

func TestTraverseFetchesIncompleteDir(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	c0 := tc.caches[0]
	root := c0.Root()

	// present in the store but not in memory; root dir stays incomplete
	stat := proto.InodeStat{Ino: 999, Kind: proto.KindRegular, Mode: 0o644}
	require.NoError(t, c0.cfg.Store.PutDirent(context.Background(),
		root.Ino(), storeDirent("s", stat)))

	tc.clientOp(0, &proto.ClientOp{Op: proto.OpStat, Path: "/s"})
	tc.pump()
	acks := tc.sink.take()
	require.Len(t, acks, 1)
	require.Equal(t, int32(0), acks[0].Err)
	require.Equal(t, proto.Ino(999), acks[0].Stat.Ino)
	require.True(t, root.Dir.IsComplete())
}
