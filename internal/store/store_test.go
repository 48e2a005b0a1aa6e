package store

import (
	"testing"

	"github.com/mrshabel/raftkeeper/internal/coordination"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, s *Store, path string, data []byte, ephemeral, sequential bool, zxid int64, ctx RequestContext) string {
	t.Helper()
	resp := s.PreprocessRequest(coordination.CreateRequest{
		Path: path, Data: data, IsEphemeral: ephemeral, IsSequential: sequential,
	}, ctx, zxid)
	s.Commit(zxid)
	create, ok := resp.(coordination.CreateResponse)
	require.True(t, ok)
	require.Equal(t, coordination.ZOK, create.Err)
	return create.Path
}

func TestCreateGetDelete(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1000}

	mustCreate(t, s, "/a", []byte("hello"), false, false, 1, ctx)

	resp := s.PreprocessRequest(coordination.GetRequest{Path: "/a"}, ctx, 1)
	get := resp.(coordination.GetResponse)
	require.Equal(t, coordination.ZOK, get.Err)
	require.Equal(t, "hello", string(get.Data))

	delResp := s.PreprocessRequest(coordination.DeleteRequest{Path: "/a", Version: -1}, ctx, 2)
	s.Commit(2)
	require.Equal(t, coordination.ZOK, delResp.Code())

	existsResp := s.PreprocessRequest(coordination.ExistsRequest{Path: "/a"}, ctx, 0)
	require.Equal(t, coordination.ZNoNode, existsResp.Code())
}

func TestSequentialCreateNaming(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1000}

	p1 := mustCreate(t, s, "/seq-", nil, false, true, 1, ctx)
	p2 := mustCreate(t, s, "/seq-", nil, false, true, 2, ctx)

	require.Equal(t, "/seq-0000000000", p1)
	require.Equal(t, "/seq-0000000001", p2)
}

func TestEphemeralCannotHaveChildren(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 7, NowMs: 1}

	mustCreate(t, s, "/e", nil, true, false, 1, ctx)
	resp := s.PreprocessRequest(coordination.CreateRequest{Path: "/e/child"}, ctx, 2)
	require.Equal(t, coordination.ZNoChildrenForEphemerals, resp.Code())
}

func TestSessionCloseRemovesEphemerals(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 42, NowMs: 1}

	mustCreate(t, s, "/temp", nil, true, false, 1, ctx)
	require.NotNil(t, s.tree.get("/temp"))

	closeResp := s.PreprocessRequest(coordination.CloseRequest{}, ctx, 2)
	s.Commit(2)
	require.Equal(t, coordination.ZOK, closeResp.Code())
	require.Nil(t, s.tree.get("/temp"))
}

func TestMultiIsAtomic(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	multi := coordination.MultiRequest{Ops: []coordination.Request{
		coordination.CreateRequest{Path: "/ok"},
		coordination.CreateRequest{Path: "/nonexistent-parent/child"},
	}}
	resp := s.PreprocessRequest(multi, ctx, 1)
	require.NotEqual(t, coordination.ZOK, resp.Code())
	require.Nil(t, s.tree.get("/ok"), "first op must be rolled back when the second fails")
}

func TestCheckNotExists(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	resp := s.PreprocessRequest(coordination.CheckRequest{Path: "/missing", NotExists: true}, ctx, 1)
	require.Equal(t, coordination.ZOK, resp.Code())

	mustCreate(t, s, "/present", nil, false, false, 2, ctx)
	resp = s.PreprocessRequest(coordination.CheckRequest{Path: "/present", NotExists: true}, ctx, 3)
	require.Equal(t, coordination.ZNodeExists, resp.Code())
}

func TestFilteredList(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	mustCreate(t, s, "/p", nil, false, false, 1, ctx)
	mustCreate(t, s, "/p/persist", nil, false, false, 2, ctx)
	mustCreate(t, s, "/p/ephem", nil, true, false, 3, ctx)

	resp := s.PreprocessRequest(coordination.FilteredListRequest{Path: "/p", Filter: coordination.ListEphemeralOnly}, ctx, 0)
	list := resp.(coordination.ListResponse)
	require.Equal(t, []string{"ephem"}, list.Children)

	resp = s.PreprocessRequest(coordination.FilteredListRequest{Path: "/p", Filter: coordination.ListPersistentOnly}, ctx, 0)
	list = resp.(coordination.ListResponse)
	require.Equal(t, []string{"persist"}, list.Children)
}

func TestVersionMismatchOnSet(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	mustCreate(t, s, "/v", []byte("a"), false, false, 1, ctx)
	resp := s.PreprocessRequest(coordination.SetRequest{Path: "/v", Data: []byte("b"), Version: 5}, ctx, 2)
	require.Equal(t, coordination.ZBadVersion, resp.Code())
}

func TestDigestChangesOnMutation(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	before := s.Digest()
	mustCreate(t, s, "/d", []byte("x"), false, false, 1, ctx)
	after := s.Digest()
	require.NotEqual(t, before, after)

	resp := s.PreprocessRequest(coordination.DeleteRequest{Path: "/d", Version: -1}, ctx, 2)
	s.Commit(2)
	require.Equal(t, coordination.ZOK, resp.Code())
	require.Equal(t, before, s.Digest(), "digest must return to baseline once the added node is removed")
}

func TestRollbackUndoesUncommittedCreate(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	resp := s.PreprocessRequest(coordination.CreateRequest{Path: "/speculative"}, ctx, 5)
	require.Equal(t, coordination.ZOK, resp.Code())
	require.NotNil(t, s.tree.get("/speculative"))

	s.Rollback(0)
	require.Nil(t, s.tree.get("/speculative"), "an entry never committed must be undone on rollback")
}

func TestSnapshotModeShadowsWrites(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	ctx := RequestContext{SessionID: 1, NowMs: 1}

	mustCreate(t, s, "/snap", []byte("v1"), false, false, 1, ctx)

	frozenSize, _ := s.tree.snapshotSizeWithVersion()
	s.tree.enableSnapshotMode()
	frozenAtFreeze, _ := s.tree.snapshotSizeWithVersion()
	require.Equal(t, s.tree.size(), frozenAtFreeze)
	_ = frozenSize

	s.PreprocessRequest(coordination.SetRequest{Path: "/snap", Data: []byte("v2-longer-payload"), Version: 0}, ctx, 2)
	s.Commit(2)

	liveSize := s.tree.size()
	frozenAfterWrite, _ := s.tree.snapshotSizeWithVersion()
	require.NotEqual(t, liveSize, frozenAfterWrite, "live size must move while the frozen size stays put")

	s.tree.clearOutdatedNodes()
	frozenAfterClear, _ := s.tree.snapshotSizeWithVersion()
	require.Equal(t, liveSize, frozenAfterClear)
}

func TestAuthDigestThenDigestACL(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	s.CreateSession(9, 30000, 1)

	authCtx := RequestContext{SessionID: 9, NowMs: 1}
	s.PreprocessRequest(coordination.AuthRequest{Scheme: coordination.SchemeDigest, Data: []byte("alice:secret")}, authCtx, 1)
	s.Commit(1)

	cred := digestOf("alice:secret")
	guardedCtx := RequestContext{
		SessionID: 9, NowMs: 1, CheckACL: true,
		AuthIDs: []coordination.AuthID{{Scheme: coordination.SchemeDigest, ID: cred}},
	}
	resp := s.PreprocessRequest(coordination.CreateRequest{
		Path: "/guarded",
		ACLs: []coordination.ACLEntry{{Perms: coordination.PermAll, Scheme: coordination.SchemeAuth, ID: ""}},
	}, guardedCtx, 2)
	s.Commit(2)
	require.Equal(t, coordination.ZOK, resp.Code())

	anonCtx := RequestContext{SessionID: 1, NowMs: 1, CheckACL: true}
	getResp := s.PreprocessRequest(coordination.GetRequest{Path: "/guarded"}, anonCtx, 0)
	require.Equal(t, coordination.ZNoAuth, getResp.Code())

	getResp = s.PreprocessRequest(coordination.GetRequest{Path: "/guarded"}, guardedCtx, 0)
	require.Equal(t, coordination.ZOK, getResp.Code())
}

func TestFeatureFlagsVirtualNode(t *testing.T) {
	s := NewStore()
	s.SetState(StateRunning)
	resp := s.PreprocessRequest(coordination.GetRequest{Path: featureFlagsPath}, RequestContext{}, 0)
	get := resp.(coordination.GetResponse)
	require.Equal(t, coordination.ZOK, get.Err)
	require.Len(t, get.Data, 4)
}

func TestSessionExpiryQueueOrdering(t *testing.T) {
	table := newSessionTable()
	table.createSession(1, 1000, 5000)
	table.createSession(2, 1000, 3000)
	table.createSession(3, 1000, 7000)

	expired := table.getExpiredSessions(6000)
	require.Equal(t, []int64{2, 1}, expired)
}
