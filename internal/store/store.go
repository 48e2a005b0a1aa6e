package store

import (
	"strings"
	"sync"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// systemRoot is the reserved subtree described in §6: writes under it
// are only accepted once the owning server has left INIT state.
const systemRoot = "/keeper"

// featureFlagsPath is the virtual node exposing this build's optional
// protocol extensions (§4.2 Supplemented Features); reads are
// synthesized, it is never present in the container itself.
const featureFlagsPath = systemRoot + "/api_feature_flags"

const (
	featureFilteredList   = 1 << 0
	featureMultiRead      = 1 << 1
	featureCheckNotExists = 1 << 2
)

// ServerState gates access to the reserved /keeper subtree.
type ServerState int

const (
	StateInit ServerState = iota
	StateRunning
)

// Store is the snapshottable, versioned tree (§4.2): a container of
// nodes, a session table, an ephemeral-ownership index, a running
// digest, and the uncommitted delta layer that lets preprocessing run
// ahead of Raft commit.
type Store struct {
	mu sync.RWMutex

	tree       *container
	sessions   *sessionTable
	ephemerals *ephemeralIndex
	deltas     *deltaLog
	digest     *digestAccumulator

	state ServerState

	zxid int64
}

// NewStore builds an empty tree rooted at "/" plus the reserved /keeper
// subtree, matching the bootstrap layout every fresh replica starts
// from (§3).
func NewStore() *Store {
	s := &Store{
		tree:       newContainer(),
		sessions:   newSessionTable(),
		ephemerals: newEphemeralIndex(),
		deltas:     newDeltaLog(),
		digest:     newDigestAccumulator(),
	}
	s.putNode("/", newNode())
	s.putNode(systemRoot, newNode())
	root := s.tree.get("/")
	root.Children[strings.TrimPrefix(systemRoot, "/")] = struct{}{}
	return s
}

func (s *Store) CurrentZxid() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zxid
}

func (s *Store) SetState(st ServerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Store) Digest() uint64 {
	return s.digest.value()
}

// CreateSession registers a new session lease; a request carrying that
// session ID finds no lease to renew until it has been called (§5).
// Nothing in this module outside the tests calls it.
func (s *Store) CreateSession(sessionID, timeoutMs, nowMs int64) {
	s.sessions.createSession(sessionID, timeoutMs, nowMs+timeoutMs)
}

// TouchSession renews a session's lease. The state machine calls it for
// every decoded request from that session, before preprocessing and
// whatever the request's outcome.
func (s *Store) TouchSession(sessionID, nowMs int64) bool {
	sess := s.sessions.get(sessionID)
	if sess == nil {
		return false
	}
	return s.sessions.touch(sessionID, nowMs+sess.TimeoutMs)
}

// ExpiredSessions returns the IDs of every session whose lease has
// elapsed as of nowMs, removing them from the expiry queue (§5's
// session-expiry sweep).
func (s *Store) ExpiredSessions(nowMs int64) []int64 {
	return s.sessions.getExpiredSessions(nowMs)
}

// NodeCount approximates the entry count reported in status/snapshot
// sizing (§8 scenario 5); it counts every chain entry in the map,
// including shadowed entries still held for the frozen view.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.mapEntryCount()
}

// SessionCount reports the number of sessions in the session table,
// surfaced on the admin status endpoint. An expired session stays in
// the table, and is counted, until its Close is committed.
func (s *Store) SessionCount() int {
	return s.sessions.count()
}

// SessionAuthIDs returns the digest identities a session has
// accumulated via prior Auth requests, for a caller building the
// RequestContext a later request on that session will be preprocessed
// with. Returns nil for an unknown session.
func (s *Store) SessionAuthIDs(sessionID int64) []coordination.AuthID {
	sess := s.sessions.get(sessionID)
	if sess == nil {
		return nil
	}
	return sess.AuthIDs
}

// putNode installs n at path and folds the change into the running
// digest, retiring any previous occupant's contribution first.
func (s *Store) putNode(path string, n *Node) {
	if old := s.tree.get(path); old != nil {
		s.digest.removeNode(path, old)
	}
	s.tree.put(path, n)
	s.digest.addNode(path, n)
}

func (s *Store) removeNode(path string) {
	if old := s.tree.get(path); old != nil {
		s.digest.removeNode(path, old)
	}
	s.tree.remove(path)
}

func splitPath(path string) (parent, base string) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

func isUnderSystemRoot(path string) bool {
	return path == systemRoot || strings.HasPrefix(path, systemRoot+"/")
}
