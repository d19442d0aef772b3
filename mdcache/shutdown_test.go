package mdcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

func (tc *testCluster) drain(c *Cache) bool {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		done := c.ShutdownPass(ctx)
		tc.pump()
		if done {
			return true
		}
	}
	return false
}

func TestShutdownSingleNode(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	c0 := tc.caches[0]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	tc.mkfile(c0, a, "f", proto.KindRegular)

	c0.ShutdownStart(ctx)
	require.True(t, tc.drain(c0))
	require.Equal(t, 0, c0.Size())
	require.Nil(t, c0.Root())
}

func TestShutdownExportsImportsToRankZero(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	a := tc.mkfile(c0, root, "a", proto.KindDir)
	f := tc.mkfile(c0, a, "f", proto.KindRegular)

	require.NoError(t, c0.ExportDir(ctx, a, 1))
	tc.pump()
	// free rank 1's subtree of replica pins held by rank 0
	c0.Trim(ctx, 0)
	tc.pump()

	c1.ShutdownStart(ctx)
	require.True(t, tc.drain(c1))
	require.Equal(t, 0, c1.Size())
	tc.cl.MarkDown(1)

	// authority came home
	require.True(t, a.Dir.IsAuth())
	require.True(t, f.IsAuth() || c0.GetInode(f.Ino()) == nil)
	require.Empty(t, c0.exports)

	c0.ShutdownStart(ctx)
	require.True(t, tc.drain(c0))
	require.Equal(t, 0, c0.Size())
}
