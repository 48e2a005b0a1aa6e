package changelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawFileAppendReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	rf, err := openRawFile(path, false)
	require.NoError(t, err)

	data := []byte("hello world")
	pos, err := rf.Append(data)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)

	out := make([]byte, len(data))
	require.NoError(t, rf.ReadAt(out, 0))
	require.Equal(t, data, out)
	require.NoError(t, rf.Close())
}

func TestRawFileCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin.zstd")
	rf, err := openRawFile(path, true)
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog")
	_, err = rf.Append(data)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	rf2, err := openRawFile(path, true)
	require.NoError(t, err)
	out := make([]byte, len(data))
	require.NoError(t, rf2.ReadAt(out, 0))
	require.Equal(t, data, out)
}

func TestFileIndexWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	idx, err := openFileIndex(path, 1024)
	require.NoError(t, err)

	require.NoError(t, idx.Write(0, 10))
	require.NoError(t, idx.Write(1, 25))

	pos, err := idx.Read(1)
	require.NoError(t, err)
	require.EqualValues(t, 25, pos)

	rel, pos, err := idx.Last()
	require.NoError(t, err)
	require.EqualValues(t, 1, rel)
	require.EqualValues(t, 25, pos)

	require.NoError(t, idx.Close())
}
