// Package engine wires the Change Log, Snapshottable Store, Replicated
// State Machine, and Snapshot Manager into the §5 Engine aggregate:
// hashicorp/raft drives consensus, and this package owns everything
// raft needs to be handed (FSM, LogStore, StreamLayer) plus the
// background workers and admin surface around it. The setup/shutdown
// pipeline shape is carried over directly from the teacher's Agent.
package engine

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/admin"
	"github.com/mrshabel/raftkeeper/internal/auth"
	"github.com/mrshabel/raftkeeper/internal/changelog"
	"github.com/mrshabel/raftkeeper/internal/clusterconfig"
	"github.com/mrshabel/raftkeeper/internal/coordination"
	"github.com/mrshabel/raftkeeper/internal/snapshot"
	"github.com/mrshabel/raftkeeper/internal/statefile"
	"github.com/mrshabel/raftkeeper/internal/statemachine"
	"github.com/mrshabel/raftkeeper/internal/store"
)

// Config carries everything needed to stand up an Engine, mirroring
// the teacher's Agent.Config in shape (TLS, data dir, bind address,
// ACL files) while swapping the gRPC/serf fields for Raft/admin ones.
type Config struct {
	ServerTLSConfig *tls.Config
	PeerTLSConfig   *tls.Config
	DataDir         string
	BindAddr        string
	RaftPort        int
	AdminAddr       string
	NodeID          string
	Bootstrap       bool
	Servers         []clusterconfig.Server
	ACLModelFile    string
	ACLPolicyFile   string

	SnapshotRetain    int
	SnapshotCompress  bool
	SnapshotEvery     time.Duration
	SessionSweepEvery time.Duration
	FlushEvery        time.Duration
}

func (c *Config) setDefaults() {
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 3
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 5 * time.Minute
	}
	if c.SessionSweepEvery <= 0 {
		c.SessionSweepEvery = time.Second
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 100 * time.Millisecond
	}
}

func (c *Config) raftAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RaftPort), nil
}

// Engine is the aggregate root: one per replica, owning its changelog,
// store, state machine, raft node, snapshot manager, and the admin
// HTTP surface describing them.
type Engine struct {
	Config Config
	logger *zap.Logger

	changelog *changelog.ChangeLog
	store     *store.Store
	sm        *statemachine.StateMachine
	zxids     *statemachine.ZxidAllocator
	snapshots *snapshot.Manager
	raft      *raft.Raft
	raftLn    net.Listener
	admin     *admin.OpsServer
	authz     *auth.AdminAuthorizer

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

// New builds and starts an Engine per Config, following the teacher's
// ordered setup-pipeline idiom.
func New(config Config) (*Engine, error) {
	config.setDefaults()
	e := &Engine{Config: config, shutdowns: make(chan struct{})}

	setup := []func() error{
		e.setupLogger,
		e.setupStore,
		e.setupChangelog,
		e.setupSnapshots,
		e.setupRaft,
		e.setupAdmin,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	go e.runSessionSweeper()
	go e.runSnapshotTicker()
	go e.runStateFileTicker()
	return e, nil
}

func (e *Engine) setupLogger() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	e.logger = logger
	return nil
}

func (e *Engine) setupStore() error {
	e.store = store.NewStore()
	e.store.SetState(store.StateRunning)
	e.zxids = statemachine.NewZxidAllocator(1)
	e.sm = statemachine.New(e.store, e.logger)
	return nil
}

func (e *Engine) setupChangelog() error {
	logDir := filepath.Join(e.Config.DataDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	var err error
	e.changelog, err = changelog.Open(logDir, 1, 0, changelog.Config{}, e.logger)
	return err
}

func (e *Engine) setupSnapshots() error {
	snapDir := filepath.Join(e.Config.DataDir, "snapshot")
	var err error
	e.snapshots, err = snapshot.NewManager(snapDir, e.Config.SnapshotRetain, e.Config.SnapshotCompress, e.logger)
	if err != nil {
		return err
	}
	if lastIndex, clusterConfig, err := e.snapshots.RestoreLatest(e.store); err != nil {
		return err
	} else if lastIndex > 0 {
		e.logger.Info("restored snapshot", zap.Uint64("last_log_index", lastIndex), zap.Int("cluster_config_bytes", len(clusterConfig)))
	}
	return nil
}

func (e *Engine) setupRaft() error {
	stateDir := filepath.Join(e.Config.DataDir, "raft")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(stateDir, "stable.db"))
	if err != nil {
		return err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(stateDir, e.Config.SnapshotRetain, os.Stderr)
	if err != nil {
		return err
	}

	raftAddr, err := e.Config.raftAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", raftAddr)
	if err != nil {
		return err
	}
	e.raftLn = ln
	streamLayer := statemachine.NewStreamLayer(ln, e.Config.ServerTLSConfig, e.Config.PeerTLSConfig)
	transport := raft.NewNetworkTransport(streamLayer, 5, 10*time.Second, os.Stderr)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(e.Config.NodeID)

	logStoreAdapter := statemachine.NewLogStoreAdapter(e.changelog)
	fsm := statemachine.NewFSM(e.sm, e.snapshots)

	e.raft, err = raft.NewRaft(raftConfig, fsm, logStoreAdapter, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}

	hasState, err := raft.HasExistingState(logStoreAdapter, stableStore, snapshotStore)
	if err != nil {
		return err
	}
	if e.Config.Bootstrap && !hasState {
		servers := make([]raft.Server, 0, len(e.Config.Servers))
		for _, s := range e.Config.Servers {
			suffrage := raft.Voter
			if s.Learner {
				suffrage = raft.Nonvoter
			}
			servers = append(servers, raft.Server{
				ID:       raft.ServerID(fmt.Sprintf("%d", s.ID)),
				Address:  raft.ServerAddress(s.Endpoint),
				Suffrage: suffrage,
			})
		}
		if len(servers) == 0 {
			servers = []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
		}
		return e.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	}
	return nil
}

func (e *Engine) setupAdmin() error {
	if e.Config.ACLModelFile != "" && e.Config.ACLPolicyFile != "" {
		e.authz = auth.New(e.Config.ACLModelFile, e.Config.ACLPolicyFile)
	}
	httpSrv := admin.NewHTTPServer(e.Config.AdminAddr, e, e.authz, e.logger)
	e.admin = admin.NewOpsServer(httpSrv, e.logger)
	go e.admin.Serve()
	return nil
}

// Propose encodes req as a committed Raft log entry and applies it via
// the local leader. Only the leader may successfully propose; a
// follower should instead redirect the caller to raft.Leader().
func (e *Engine) Propose(sessionID int64, req coordination.Request, timeout time.Duration) (coordination.Response, error) {
	nowMs := time.Now().UnixMilli()
	payload, _, err := statemachine.EncodeCommand(e.zxids, sessionID, req, nowMs)
	if err != nil {
		return nil, err
	}
	future := e.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	resp, _ := future.Response().(coordination.Response)
	return resp, nil
}

func (e *Engine) runSessionSweeper() {
	ticker := time.NewTicker(e.Config.SessionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdowns:
			return
		case <-ticker.C:
			if e.raft.State() != raft.Leader {
				continue
			}
			for _, sid := range e.sm.ExpireSessions(time.Now().UnixMilli()) {
				if _, err := e.Propose(sid, coordination.CloseRequest{}, e.Config.FlushEvery); err != nil {
					e.logger.Warn("propose session expiry close", zap.Int64("session_id", sid), zap.Error(err))
				}
			}
		}
	}
}

// runStateFileTicker keeps §6's bespoke `./state` file current for
// out-of-process introspection (tooling that wants the current term
// and whether this replica would currently campaign, without talking
// raft-boltdb's bolt format). hashicorp/raft owns the authoritative
// term/vote bookkeeping internally via the StableStore handed to
// raft.NewRaft; this file is a read-only, best-effort mirror of it, so
// VotedFor is left unknown (-1) since raft does not expose it outside
// its own stable store.
func (e *Engine) runStateFileTicker() {
	path := filepath.Join(e.Config.DataDir, "state")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdowns:
			return
		case <-ticker.C:
			stats := e.raft.Stats()
			var term uint64
			_, _ = fmt.Sscanf(stats["term"], "%d", &term)
			st := statefile.State{
				Term:                 term,
				VotedFor:             -1,
				ElectionTimerAllowed: e.raft.State() != raft.Shutdown,
			}
			if err := statefile.Write(path, st); err != nil {
				e.logger.Warn("write state file", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runSnapshotTicker() {
	ticker := time.NewTicker(e.Config.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdowns:
			return
		case <-ticker.C:
			if err := e.TriggerSnapshot(); err != nil {
				e.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// Status implements admin.EngineAPI.
func (e *Engine) Status() admin.Status {
	lastIndex, _ := e.snapshots.Latest()
	return admin.Status{
		IsLeader:          e.raft.State() == raft.Leader,
		LastLogIndex:      e.raft.LastIndex(),
		LastDurableIndex:  e.changelog.LastDurableIndex(),
		LastSnapshotIndex: lastIndex,
		Digest:            e.store.Digest(),
		NodeCount:         e.store.NodeCount(),
		SessionCount:      e.store.SessionCount(),
	}
}

// TriggerSnapshot implements admin.EngineAPI.
func (e *Engine) TriggerSnapshot() error {
	_, err := e.snapshots.Create(e.store, e.raft.LastIndex(), nil)
	return err
}

// Compact implements admin.EngineAPI.
func (e *Engine) Compact(upToIndex uint64) error {
	return e.changelog.Compact(upToIndex)
}

// Shutdown tears down the engine's components once, guarded by a mutex
// exactly as the teacher's Agent.Shutdown is.
func (e *Engine) Shutdown() error {
	e.shutdownLock.Lock()
	defer e.shutdownLock.Unlock()
	if e.shutdown {
		return nil
	}
	e.shutdown = true
	close(e.shutdowns)

	shutdown := []func() error{
		func() error { return e.raft.Shutdown().Error() },
		e.raftLn.Close,
		e.admin.Close,
		e.changelog.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
