package changelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConfig() Config {
	return Config{RotateInterval: 5, MaxSizeBytes: 1 << 20}
}

func appendTerms(t *testing.T, cl *ChangeLog, terms []uint64) {
	t.Helper()
	for _, term := range terms {
		_, err := cl.Append(Entry{Term: term, Payload: []byte("payload")})
		require.NoError(t, err)
	}
	require.NoError(t, cl.EndOfAppendBatch(0, 0))
}

func TestRotationByInterval(t *testing.T) {
	dir := t.TempDir()
	cl, err := Open(dir, 1, 0, newTestConfig(), nil)
	require.NoError(t, err)

	appendTerms(t, cl, []uint64{0, 10, 20, 30, 40, 50, 60})
	require.EqualValues(t, 7, cl.Size())

	require.FileExists(t, filepath.Join(dir, "changelog_1_5.bin"))
	require.FileExists(t, filepath.Join(dir, "changelog_6_10.bin"))
}

func TestCompaction(t *testing.T) {
	dir := t.TempDir()
	cl, err := Open(dir, 1, 0, newTestConfig(), nil)
	require.NoError(t, err)
	appendTerms(t, cl, []uint64{0, 10, 20, 30, 40, 50, 60})

	require.NoError(t, cl.Compact(6))
	require.EqualValues(t, 7, cl.StartIndex())
	require.EqualValues(t, 8, cl.NextSlot())

	last, err := cl.LastEntry()
	require.NoError(t, err)
	require.EqualValues(t, 60, last.Term)

	require.NoFileExists(t, filepath.Join(dir, "changelog_1_5.bin"))
	require.FileExists(t, filepath.Join(dir, "changelog_6_10.bin"))
}

func TestWriteAtTruncation(t *testing.T) {
	dir := t.TempDir()
	cl, err := Open(dir, 1, 0, newTestConfig(), nil)
	require.NoError(t, err)
	appendTerms(t, cl, []uint64{0, 10, 20, 30, 40, 50, 60})

	idx, err := cl.WriteAt(4, Entry{Term: 99, Payload: []byte("x")})
	require.NoError(t, err)
	require.EqualValues(t, 4, idx)
	require.EqualValues(t, 5, cl.NextSlot())

	e, err := cl.EntryAt(4)
	require.NoError(t, err)
	require.EqualValues(t, 99, e.Term)

	require.NoFileExists(t, filepath.Join(dir, "changelog_6_10.bin"))
}

func TestRoundTripAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cl, err := Open(dir, 1, 0, newTestConfig(), nil)
	require.NoError(t, err)
	appendTerms(t, cl, []uint64{0, 10, 20, 30, 40, 50, 60})
	wantTerms := make(map[uint64]uint64)
	for i := cl.StartIndex(); i < cl.NextSlot(); i++ {
		e, err := cl.EntryAt(i)
		require.NoError(t, err)
		wantTerms[i] = e.Term
	}
	require.NoError(t, cl.Close())

	cl2, err := Open(dir, 1, 0, newTestConfig(), nil)
	require.NoError(t, err)

	require.EqualValues(t, cl.Size(), cl2.Size())
	require.EqualValues(t, cl.StartIndex(), cl2.StartIndex())
	require.EqualValues(t, cl.NextSlot(), cl2.NextSlot())

	for i := cl2.StartIndex(); i < cl2.NextSlot(); i++ {
		got, err := cl2.EntryAt(i)
		require.NoError(t, err)
		require.Equal(t, wantTerms[i], got.Term)
	}
}

func TestBrokenSuffixRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{RotateInterval: 20, MaxSizeBytes: 1 << 20}
	cl, err := Open(dir, 1, 0, cfg, nil)
	require.NoError(t, err)

	terms := make([]uint64, 35)
	for i := range terms {
		terms[i] = uint64(i)
	}
	appendTerms(t, cl, terms)
	require.NoError(t, cl.Close())

	// Truncate the first file's tail by 30 bytes, destroying its last record.
	path := filepath.Join(dir, "changelog_1_20.bin")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-30))

	cl2, err := Open(dir, 1, 0, cfg, nil)
	require.NoError(t, err)

	require.Less(t, cl2.Size(), uint64(35))
	require.DirExists(t, filepath.Join(dir, "detached"))

	detachedRoot, err := os.ReadDir(filepath.Join(dir, "detached"))
	require.NoError(t, err)
	require.NotEmpty(t, detachedRoot)
}

func TestMissingMiddleFileQuarantine(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{RotateInterval: 10, MaxSizeBytes: 1 << 20}
	cl, err := Open(dir, 1, 0, cfg, nil)
	require.NoError(t, err)

	terms := make([]uint64, 30)
	for i := range terms {
		terms[i] = uint64(i)
	}
	appendTerms(t, cl, terms)
	require.NoError(t, cl.Close())

	// Remove the middle file (indexes 11-20), leaving a gap.
	require.NoError(t, os.Remove(filepath.Join(dir, "changelog_11_20.bin")))
	require.NoError(t, os.Remove(filepath.Join(dir, "changelog_11_20.idx")))

	cl2, err := Open(dir, 1, 0, cfg, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, cl2.StartIndex())
	require.EqualValues(t, 11, cl2.NextSlot())
	require.DirExists(t, filepath.Join(dir, "detached"))
}

func TestPackApplyPack(t *testing.T) {
	dirA := t.TempDir()
	cfg := newTestConfig()
	clA, err := Open(dirA, 1, 0, cfg, nil)
	require.NoError(t, err)
	appendTerms(t, clA, []uint64{1, 2, 3, 4, 5})

	blob, err := clA.Pack(1, 5)
	require.NoError(t, err)

	dirB := t.TempDir()
	clB, err := Open(dirB, 1, 0, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, clB.ApplyPack(1, blob))
	require.EqualValues(t, 1, clB.StartIndex())
	require.EqualValues(t, 6, clB.NextSlot())

	e, err := clB.EntryAt(3)
	require.NoError(t, err)
	require.EqualValues(t, 3, e.Term)
}
