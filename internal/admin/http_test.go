package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/auth"
	"github.com/mrshabel/raftkeeper/internal/config"
)

type fakeEngine struct {
	status         Status
	snapshotCalled bool
	compactedTo    uint64
	err            error
}

func (f *fakeEngine) Status() Status { return f.status }
func (f *fakeEngine) TriggerSnapshot() error {
	f.snapshotCalled = true
	return f.err
}
func (f *fakeEngine) Compact(upToIndex uint64) error {
	f.compactedTo = upToIndex
	return f.err
}

func TestHandleStatus(t *testing.T) {
	engine := &fakeEngine{status: Status{IsLeader: true, NodeCount: 4}}
	srv := NewHTTPServer("127.0.0.1:0", engine, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, engine.status, got)
}

func TestHandleSnapshotNoAuthorizer(t *testing.T) {
	engine := &fakeEngine{}
	srv := NewHTTPServer("127.0.0.1:0", engine, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/snapshot", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, engine.snapshotCalled)
}

func TestHandleCompactRejectedByAuthorizer(t *testing.T) {
	authz := auth.New(config.ACLModelFile, config.ACLPolicyFile)
	engine := &fakeEngine{}
	srv := NewHTTPServer("127.0.0.1:0", engine, authz, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/compact/42", nil)
	req.Header.Set("X-Operator", "nobody")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, engine.compactedTo)

	req = httptest.NewRequest(http.MethodPost, "/compact/42", nil)
	req.Header.Set("X-Operator", "root")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.EqualValues(t, 42, engine.compactedTo)
}
