package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	want := State{Term: 7, VotedFor: 3, ElectionTimerAllowed: true}
	require.NoError(t, Write(path, want))

	got, ok, err := Read(path, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestReadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	got, ok, err := Read(path, false)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, State{}, got)
}

func TestReadCorruptFileReleaseMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))

	got, ok, err := Read(path, false)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, State{}, got)
}

func TestReadCorruptFileStrictMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, Write(path, State{Term: 1}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = Read(path, true)
	require.Error(t, err)
}
