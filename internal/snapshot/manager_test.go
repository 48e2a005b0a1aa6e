package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/coordination"
	"github.com/mrshabel/raftkeeper/internal/store"
)

func buildStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.NewStore()
	st.SetState(store.StateRunning)
	st.CreateSession(1, 30000, 0)
	ctx := store.RequestContext{SessionID: 1, NowMs: 0}
	resp := st.PreprocessRequest(coordination.CreateRequest{Path: "/a", Data: []byte("hello")}, ctx, 1)
	require.Equal(t, coordination.ZOK, resp.Code())
	resp = st.PreprocessRequest(coordination.CreateRequest{Path: "/a/b", Data: []byte("world"), IsEphemeral: true}, ctx, 2)
	require.Equal(t, coordination.ZOK, resp.Code())
	st.Commit(2)
	return st
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 3, false, zap.NewNop())
	require.NoError(t, err)

	st := buildStore(t)
	_, err = mgr.Create(st, 100, []byte("cluster-config-v1"))
	require.NoError(t, err)

	fresh := store.NewStore()
	idx, cfg, err := mgr.RestoreLatest(fresh)
	require.NoError(t, err)
	require.Equal(t, uint64(100), idx)
	require.Equal(t, "cluster-config-v1", string(cfg))

	resp := fresh.PreprocessRequest(coordination.GetRequest{Path: "/a/b"}, store.RequestContext{}, 0)
	get := resp.(coordination.GetResponse)
	require.Equal(t, "world", string(get.Data))
	require.Equal(t, st.Digest(), fresh.Digest())
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 3, true, zap.NewNop())
	require.NoError(t, err)

	st := buildStore(t)
	_, err = mgr.Create(st, 5, nil)
	require.NoError(t, err)

	fresh := store.NewStore()
	_, _, err = mgr.RestoreLatest(fresh)
	require.NoError(t, err)
	require.Equal(t, st.NodeCount(), fresh.NodeCount())
}

func TestRetentionPruning(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 2, false, zap.NewNop())
	require.NoError(t, err)

	st := buildStore(t)
	for _, idx := range []uint64{1, 2, 3, 4} {
		_, err := mgr.Create(st, idx, nil)
		require.NoError(t, err)
	}

	latest, ok := mgr.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(4), latest)
	require.Len(t, mgr.listSnapshots(), 2)
}

// TestEncodeSnapshotIsDeterministic covers §8 property 6: serializing
// the same store state repeatedly must yield bitwise-identical blobs,
// which requires sessions and each session's ephemeral paths to be
// emitted in a fixed order rather than Go's randomized map iteration.
func TestEncodeSnapshotIsDeterministic(t *testing.T) {
	st := store.NewStore()
	st.SetState(store.StateRunning)
	st.CreateSession(1, 30000, 0)
	st.CreateSession(2, 30000, 0)
	ctx1 := store.RequestContext{SessionID: 1, NowMs: 0}
	ctx2 := store.RequestContext{SessionID: 2, NowMs: 0}

	zxid := int64(1)
	for _, rec := range []struct {
		ctx  store.RequestContext
		path string
	}{
		{ctx1, "/a"},
		{ctx1, "/a/one"},
		{ctx1, "/a/two"},
		{ctx2, "/a/three"},
		{ctx2, "/a/four"},
	} {
		resp := st.PreprocessRequest(coordination.CreateRequest{Path: rec.path, Data: []byte("x"), IsEphemeral: rec.path != "/a"}, rec.ctx, zxid)
		require.Equal(t, coordination.ZOK, resp.Code())
		st.Commit(zxid)
		zxid++
	}

	first := encodeSnapshot(st, zxid, []byte("cfg"))
	for i := 0; i < 15; i++ {
		next := encodeSnapshot(st, zxid, []byte("cfg"))
		require.Equal(t, first, next, "snapshot encoding must be deterministic across repeated calls")
	}
}

func TestCorruptSnapshotIsFatal(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, false, zap.NewNop())
	require.NoError(t, err)

	st := buildStore(t)
	path, err := mgr.Create(st, 1, nil)
	require.NoError(t, err)

	require.NoError(t, writeBlobFile(path, []byte("not a real snapshot"), false))

	fresh := store.NewStore()
	_, _, err = mgr.RestoreLatest(fresh)
	require.Error(t, err)
}
