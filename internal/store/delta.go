package store

import "github.com/mrshabel/raftkeeper/internal/coordination"

// delta is one speculative mutation produced by preprocessing, applied
// to the container immediately but kept replayable/undoable until its
// owning zxid commits (§4.2's uncommitted delta layer). It is a tagged
// union in spirit: each concrete type knows how to apply itself and
// how to undo itself, dispatched by ordinary interface calls rather
// than a type switch since the set of operations never needs external
// inspection.
type delta interface {
	apply(s *Store)
	undo(s *Store)
}

type createNodeDelta struct {
	path string
	node *Node
}

func (d createNodeDelta) apply(s *Store) { s.putNode(d.path, d.node) }
func (d createNodeDelta) undo(s *Store)  { s.removeNode(d.path) }

type removeNodeDelta struct {
	path string
	prev *Node
}

func (d removeNodeDelta) apply(s *Store) { s.removeNode(d.path) }
func (d removeNodeDelta) undo(s *Store)  { s.putNode(d.path, d.prev) }

// updateNodeDelta covers both data-set and ACL-set ops: both replace
// the whole node value, only the field that changed differs.
type updateNodeDelta struct {
	path string
	prev *Node
	next *Node
}

func (d updateNodeDelta) apply(s *Store) { s.putNode(d.path, d.next) }
func (d updateNodeDelta) undo(s *Store)  { s.putNode(d.path, d.prev) }

type addAuthDelta struct {
	sessionID int64
	auth      coordination.AuthID
}

func (d addAuthDelta) apply(s *Store) { s.sessions.addAuth(d.sessionID, d.auth) }
func (d addAuthDelta) undo(s *Store)  { s.sessions.removeAuth(d.sessionID, d.auth) }

// closeSessionDelta captures enough of the session and its ephemeral
// nodes at apply time to fully reconstruct both on rollback: the raw
// ephemeral paths alone are not enough to undo, since the nodes they
// pointed to (and the session's lease/auth state) are gone by the time
// undo would otherwise run.
type closeSessionDelta struct {
	sessionID   int64
	prevSession *Session     // snapshot of the session just before close
	removed     []NodeRecord // removed ephemeral nodes, full content, for undo
}

func (d *closeSessionDelta) apply(s *Store) {
	if sess := s.sessions.get(d.sessionID); sess != nil {
		snapshot := *sess
		snapshot.AuthIDs = append([]coordination.AuthID(nil), sess.AuthIDs...)
		d.prevSession = &snapshot
	}
	for _, p := range s.ephemerals.take(d.sessionID) {
		if node := s.tree.get(p); node != nil {
			d.removed = append(d.removed, NodeRecord{Path: p, Data: node.Data, ACLs: node.ACLs, Stat: node.Stat})
		}
		s.removeNode(p)
	}
	s.sessions.close(d.sessionID)
}

func (d *closeSessionDelta) undo(s *Store) {
	if d.prevSession == nil {
		return
	}
	s.sessions.reopen(d.prevSession)
	for _, rec := range d.removed {
		s.putNode(rec.Path, &Node{Data: rec.Data, ACLs: rec.ACLs, Stat: rec.Stat, Children: make(map[string]struct{})})
		s.ephemerals.add(d.sessionID, rec.Path)
	}
}

// errorDelta is a delta that mutates nothing. No code path records one:
// a failed sub-operation inside a Multi batch undoes the batch's deltas
// instead.
type errorDelta struct {
	code coordination.ErrCode
}

func (d errorDelta) apply(s *Store) {}
func (d errorDelta) undo(s *Store)  {}

// deltaEntry pairs a delta with the zxid it belongs to.
type deltaEntry struct {
	zxid  int64
	delta delta
}

// deltaLog is the ordered, per-zxid list of not-yet-committed deltas.
// preprocessRequest appends to it and applies immediately so later
// preprocessing in the same batch sees the speculative state; commit
// simply discards the zxid's entries (they are already durable in the
// container), rollback undoes them in reverse order.
type deltaLog struct {
	entries []deltaEntry
	byPath  map[string][]int // index into entries, for future path-scoped lookups
}

func newDeltaLog() *deltaLog {
	return &deltaLog{byPath: make(map[string][]int)}
}

func (l *deltaLog) record(zxid int64, d delta, path string) {
	idx := len(l.entries)
	l.entries = append(l.entries, deltaEntry{zxid: zxid, delta: d})
	if path != "" {
		l.byPath[path] = append(l.byPath[path], idx)
	}
}

// commit drops every entry at or before zxid: once Raft has committed,
// the delta layer no longer needs to track it for rollback.
func (l *deltaLog) commit(zxid int64) {
	i := 0
	for i < len(l.entries) && l.entries[i].zxid <= zxid {
		i++
	}
	l.entries = l.entries[i:]
	l.reindex()
}

// rollback undoes every entry with zxid strictly greater than
// keepZxid, in reverse application order, matching the "pre_commit
// raced ahead, the log entry was never replicated" recovery path.
func (l *deltaLog) rollback(s *Store, keepZxid int64) {
	cut := len(l.entries)
	for cut > 0 && l.entries[cut-1].zxid > keepZxid {
		cut--
	}
	for i := len(l.entries) - 1; i >= cut; i-- {
		l.entries[i].delta.undo(s)
	}
	l.entries = l.entries[:cut]
	l.reindex()
}

func (l *deltaLog) reindex() {
	l.byPath = make(map[string][]int, len(l.byPath))
	for i, e := range l.entries {
		if cn, ok := e.delta.(createNodeDelta); ok {
			l.byPath[cn.path] = append(l.byPath[cn.path], i)
		}
	}
}

func (l *deltaLog) len() int { return len(l.entries) }
