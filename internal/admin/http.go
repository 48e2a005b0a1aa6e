// this file exposes the engine's administrative status and control
// surface over HTTP, replacing the teacher's produce/consume JSON routes
// with read/operator endpoints appropriate to a replicated store.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/auth"
)

// ErrUnauthorized is an exported sentinel that no handler here returns:
// a request the admin authorizer rejects is answered with 403 and the
// authorizer's own error before it reaches the engine.
var ErrUnauthorized = errors.New("operator not authorized")

// Status summarizes engine health for /status, mirroring the fields an
// operator needs to tell a healthy replica from a stuck one.
type Status struct {
	IsLeader          bool   `json:"is_leader"`
	LastLogIndex      uint64 `json:"last_log_index"`
	LastDurableIndex  uint64 `json:"last_durable_index"`
	LastSnapshotIndex uint64 `json:"last_snapshot_index"`
	Digest            uint64 `json:"digest"`
	NodeCount         int    `json:"node_count"`
	SessionCount      int    `json:"session_count"`
}

// EngineAPI is the subset of the Engine aggregate the admin surface
// depends on, kept narrow so this package never needs to import the
// engine's concrete types.
type EngineAPI interface {
	Status() Status
	TriggerSnapshot() error
	Compact(upToIndex uint64) error
}

// NewHTTPServer builds the admin HTTP server bound to addr. authz may
// be nil, in which case every operation is allowed (used for a
// single-operator local deployment without a policy file configured).
func NewHTTPServer(addr string, engine EngineAPI, authz *auth.AdminAuthorizer, logger *zap.Logger) *http.Server {
	srv := &httpServer{engine: engine, authz: authz, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/status", srv.handleStatus).Methods("GET")
	router.HandleFunc("/snapshot", srv.handleSnapshot).Methods("POST")
	router.HandleFunc("/compact/{index:[0-9]+}", srv.handleCompact).Methods("POST")
	return &http.Server{Addr: addr, Handler: router}
}

// OpsServer runs an admin HTTP server in the background and stops it
// cleanly on Close, the same serve-then-shutdown shape the engine
// applies to every other component in its shutdown pipeline.
type OpsServer struct {
	http   *http.Server
	logger *zap.Logger
}

func NewOpsServer(srv *http.Server, logger *zap.Logger) *OpsServer {
	return &OpsServer{http: srv, logger: logger}
}

func (o *OpsServer) Serve() {
	if err := o.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.logger.Error("admin http server stopped", zap.Error(err))
	}
}

func (o *OpsServer) Close() error {
	return o.http.Close()
}

type httpServer struct {
	engine EngineAPI
	authz  *auth.AdminAuthorizer
	logger *zap.Logger
}

func (s *httpServer) operator(r *http.Request) string {
	if op := r.Header.Get("X-Operator"); op != "" {
		return op
	}
	return "anonymous"
}

func (s *httpServer) authorize(r *http.Request, op auth.AdminOp) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(s.operator(r), op)
}

func (s *httpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := json.NewEncoder(w).Encode(s.engine.Status()); err != nil {
		s.logger.Error("encode status response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *httpServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, auth.OpSnapshot); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := s.engine.TriggerSnapshot(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *httpServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, auth.OpCompact); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	vars := mux.Vars(r)
	upTo, err := strconv.ParseUint(vars["index"], 10, 64)
	if err != nil {
		http.Error(w, "index should be a positive integer", http.StatusUnprocessableEntity)
		return
	}
	if err := s.engine.Compact(upTo); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
