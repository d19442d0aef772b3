package mdcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

func lruInode(ino proto.Ino) *Inode {
	return newInode(proto.InodeStat{Ino: ino, Kind: proto.KindRegular})
}

func TestLRUExpireOrder(t *testing.T) {
	l := newLRU(10, 0.7)

	a, b, c := lruInode(1), lruInode(2), lruInode(3)
	l.Insert(a)
	l.Insert(b)
	l.Insert(c)
	require.Equal(t, 3, l.Size())

	// a is the coldest
	require.Equal(t, a, l.Expire())
	require.Equal(t, 2, l.Size())

	// touching b promotes it past c
	l.Touch(b)
	require.Equal(t, c, l.Expire())
	require.Equal(t, b, l.Expire())
	require.Nil(t, l.Expire())
	require.Equal(t, 0, l.Size())
}

func TestLRUPinnedNotExpired(t *testing.T) {
	l := newLRU(10, 0.7)

	a, b := lruInode(1), lruInode(2)
	l.Insert(a)
	l.Insert(b)

	a.Get(PinDirty)
	require.Equal(t, b, l.Expire())
	require.Nil(t, l.Expire())

	a.Put(PinDirty)
	require.Equal(t, a, l.Expire())
}

func TestLRURemove(t *testing.T) {
	l := newLRU(10, 0.5)
	a := lruInode(1)
	l.Insert(a)
	l.Touch(a)
	l.Remove(a)
	require.Equal(t, 0, l.Size())
	require.Nil(t, l.Expire())
}
