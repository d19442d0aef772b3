package mdlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/util"
)

func TestLogSubmitFlush(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	l, err := Open(filepath.Join(dir, "journal"))
	require.NoError(t, err)

	fired := 0
	require.NoError(t, l.Submit(Entry{Kind: EntryInodeUpdate, Ino: 1, Payload: []byte("x")}, func() { fired++ }))
	require.NoError(t, l.Submit(Entry{Kind: EntryDirUpdate, Ino: 2}, func() { fired++ }))
	require.Equal(t, int64(2), l.NumEvents())
	require.Equal(t, 0, fired)

	require.NoError(t, l.Flush())
	require.Equal(t, int64(0), l.NumEvents())
	require.Equal(t, 2, fired)

	require.NoError(t, l.Close())

	st, err := os.Stat(filepath.Join(dir, "journal"))
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(0))
}

func TestDiscardLog(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	require.NoError(t, l.Submit(Entry{Kind: EntryInodeUpdate, Ino: proto.RootIno}, nil))
	require.Equal(t, int64(1), l.NumEvents())
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())
}
