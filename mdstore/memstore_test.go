package mdstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	defer s.Close()

	ents, err := s.FetchDir(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, ents)

	require.NoError(t, s.PutDirent(ctx, 1, Dirent{Name: "b", Stat: proto.InodeStat{Ino: 11}}))
	require.NoError(t, s.PutDirent(ctx, 1, Dirent{Name: "a", Stat: proto.InodeStat{Ino: 10}}))
	require.NoError(t, s.PutDirent(ctx, 2, Dirent{Name: "c", Stat: proto.InodeStat{Ino: 12}}))

	ents, err = s.FetchDir(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, "a", ents[0].Name)
	require.Equal(t, "b", ents[1].Name)
	require.Equal(t, proto.Ino(10), ents[0].Stat.Ino)

	require.NoError(t, s.DeleteDirent(ctx, 1, "a"))
	ents, err = s.FetchDir(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "b", ents[0].Name)
}
