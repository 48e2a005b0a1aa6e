package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/coordination"
	"github.com/mrshabel/raftkeeper/internal/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	zxids := NewZxidAllocator(1)
	payload, zxid, err := EncodeCommand(zxids, 7, coordination.CreateRequest{Path: "/a", Data: []byte("v")}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(1), zxid)

	env, req, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, int64(7), env.SessionID)
	require.Equal(t, zxid, env.Zxid)

	create, ok := req.(coordination.CreateRequest)
	require.True(t, ok)
	require.Equal(t, "/a", create.Path)
	require.Equal(t, "v", string(create.Data))
}

func TestMultiRequestRoundTrip(t *testing.T) {
	zxids := NewZxidAllocator(1)
	multi := coordination.MultiRequest{Ops: []coordination.Request{
		coordination.CreateRequest{Path: "/m"},
		coordination.DeleteRequest{Path: "/m", Version: -1},
	}}
	payload, _, err := EncodeCommand(zxids, 1, multi, 0)
	require.NoError(t, err)

	_, req, err := decodeEnvelope(payload)
	require.NoError(t, err)
	decoded, ok := req.(coordination.MultiRequest)
	require.True(t, ok)
	require.Len(t, decoded.Ops, 2)
	require.Equal(t, "/m", decoded.Ops[0].(coordination.CreateRequest).Path)
}

func TestPreCommitCommitRollback(t *testing.T) {
	st := store.NewStore()
	st.SetState(store.StateRunning)
	logger := zap.NewNop()
	sm := New(st, logger)
	zxids := NewZxidAllocator(1)

	payload, _, err := EncodeCommand(zxids, 1, coordination.CreateRequest{Path: "/x"}, 0)
	require.NoError(t, err)

	resp, err := sm.PreCommit(10, payload)
	require.NoError(t, err)
	require.Equal(t, coordination.ZOK, resp.Code())

	sm.Rollback(10)
	existsResp := st.PreprocessRequest(coordination.ExistsRequest{Path: "/x"}, store.RequestContext{}, 0)
	require.Equal(t, coordination.ZNoNode, existsResp.Code())

	payload2, _, err := EncodeCommand(zxids, 1, coordination.CreateRequest{Path: "/y"}, 0)
	require.NoError(t, err)
	_, err = sm.PreCommit(11, payload2)
	require.NoError(t, err)
	sm.Commit(11)

	existsResp = st.PreprocessRequest(coordination.ExistsRequest{Path: "/y"}, store.RequestContext{}, 0)
	require.Equal(t, coordination.ZOK, existsResp.Code())
}
