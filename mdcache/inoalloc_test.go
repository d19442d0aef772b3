package mdcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

func TestRangeAllocator(t *testing.T) {
	a0 := NewRangeAllocator(0)
	a1 := NewRangeAllocator(1)

	i1 := a0.Alloc()
	i2 := a0.Alloc()
	require.NotEqual(t, i1, i2)
	require.Greater(t, uint64(i1), uint64(proto.RootIno))

	// per-node ranges are disjoint
	j1 := a1.Alloc()
	require.NotEqual(t, i1, j1)
	require.GreaterOrEqual(t, uint64(j1), uint64(inoRangeStep))

	// reclaimed inos are reused
	a0.Reclaim(i1)
	require.Equal(t, i1, a0.Alloc())
}
