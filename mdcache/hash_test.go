package mdcache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

// Hashing shards a directory's entries across the cluster by name hash;
// unhashing pulls every share back under the single authority.
func TestHashUnhashDir(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	c0, c1 := tc.caches[0], tc.caches[1]
	ctx := context.Background()
	root := c0.Root()

	h := tc.mkfile(c0, root, "h", proto.KindDir)
	names := make([]string, 0, 6)
	inos := make(map[string]proto.Ino)
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("f%d", i)
		in := tc.mkfile(c0, h, name, proto.KindRegular)
		in.Stat.Size = uint64(i)
		names = append(names, name)
		inos[name] = in.Ino()
	}

	require.NoError(t, c0.HashDir(ctx, h))
	tc.pump()

	require.True(t, h.Dir.IsHashed())
	require.False(t, h.Dir.IsHashing())
	require.Equal(t, proto.KindHashedDir, h.Stat.Kind)
	require.Empty(t, c0.hashWaiting)

	h1 := c1.GetInode(h.Ino())
	require.NotNil(t, h1)
	require.True(t, h1.Dir.IsHashed())
	require.Equal(t, proto.KindHashedDir, h1.Stat.Kind)

	for _, name := range names {
		owner := tc.cl.HashDentry(h.Ino(), name)
		switch owner {
		case 0:
			require.True(t, h.Dir.Lookup(name).Inode.IsAuth(), name)
			// the share never went anywhere
			require.Nil(t, h1.Dir.Lookup(name), name)
		case 1:
			require.False(t, h.Dir.Lookup(name).Inode.IsAuth(), name)
			dn := h1.Dir.Lookup(name)
			require.NotNil(t, dn, name)
			require.True(t, dn.Inode.IsAuth(), name)
			require.True(t, dn.Inode.IsCachedBy(0), name)
		}
		// dentry authority follows the hash
		require.Equal(t, owner, h.Dir.DentryAuthority(name, tc.cl))
	}

	require.NoError(t, c0.UnhashDir(ctx, h))
	tc.pump()

	require.False(t, h.Dir.IsHashed())
	require.False(t, h.Dir.IsUnhashing())
	require.True(t, h.Dir.IsComplete())
	require.Equal(t, proto.KindDir, h.Stat.Kind)
	require.Empty(t, c0.unhashWaiting)

	for _, name := range names {
		dn := h.Dir.Lookup(name)
		require.NotNil(t, dn, name)
		require.True(t, dn.Inode.IsAuth(), name)
		require.Equal(t, inos[name], dn.Inode.Ino(), name)
	}

	require.Equal(t, proto.KindDir, h1.Stat.Kind)
	require.False(t, h1.Dir.IsHashed())
}
