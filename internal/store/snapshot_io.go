package store

import (
	"sort"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// NodeRecord is the flat, serialization-friendly projection of one
// frozen tree node, used by internal/snapshot to build a snapshot blob
// (§4.4) without that package needing access to this one's unexported
// container internals.
type NodeRecord struct {
	Path string
	Data []byte
	ACLs []coordination.ACLEntry
	Stat coordination.Stat
}

// SessionRecord is the serialization-friendly projection of one
// session lease.
type SessionRecord struct {
	ID        int64
	TimeoutMs int64
	ExpiryMs  int64
	AuthIDs   []coordination.AuthID
}

// EphemeralRecord is the serialization-friendly projection of one
// session's ephemeral ownership set, with Paths held in a fixed order
// so encoding it is deterministic (§8 property 6).
type EphemeralRecord struct {
	ID    int64
	Paths []string
}

// BeginSnapshot freezes the tree's current generation as the
// read-consistent view a subsequent WalkSnapshot will traverse, and
// returns the zxid that view corresponds to.
func (s *Store) BeginSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.enableSnapshotMode()
	return s.zxid
}

// EndSnapshot releases the frozen view, collapsing every chain back
// down to its live head.
func (s *Store) EndSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.clearOutdatedNodes()
	s.tree.disableSnapshotMode()
}

// WalkSnapshot visits every node in the frozen view in pre-order
// (parent before any child), the traversal order §4.4 requires so a
// LoadSnapshot on the receiving end can always attach a child to an
// already-materialized parent.
func (s *Store) WalkSnapshot(fn func(NodeRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.walkFrozen("/", fn)
}

func (s *Store) walkFrozen(path string, fn func(NodeRecord)) {
	node := s.tree.frozenGet(path)
	if node == nil {
		return
	}
	fn(NodeRecord{Path: path, Data: node.Data, ACLs: node.ACLs, Stat: node.Stat})
	for _, name := range node.sortedChildren() {
		child := path
		if child != "/" {
			child += "/"
		}
		child += name
		s.walkFrozen(child, fn)
	}
}

// ExportSessions returns every session lease sorted by ID, so encoding
// the result is deterministic regardless of the backing map's
// iteration order (§8 property 6).
func (s *Store) ExportSessions() []SessionRecord {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions.sessions))
	for _, sess := range s.sessions.sessions {
		out = append(out, SessionRecord{ID: sess.ID, TimeoutMs: sess.TimeoutMs, ExpiryMs: sess.ExpiryMs, AuthIDs: sess.AuthIDs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExportEphemerals returns every session's ephemeral ownership set
// sorted by owning session ID, each with its own paths sorted, so
// encoding the result is deterministic regardless of the backing set's
// iteration order (§8 property 6).
func (s *Store) ExportEphemerals() []EphemeralRecord {
	s.ephemerals.mu.Lock()
	defer s.ephemerals.mu.Unlock()
	out := make([]EphemeralRecord, 0, len(s.ephemerals.paths))
	for id, set := range s.ephemerals.paths {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out = append(out, EphemeralRecord{ID: id, Paths: paths})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadSnapshot replaces the entire tree/session/ephemeral state with
// the given records, rebuilding the digest from scratch node-by-node.
// nodes must be in pre-order (parent before child), matching
// WalkSnapshot's traversal, so each child's parent is already
// materialized when the child is processed.
func (s *Store) LoadSnapshot(nodes []NodeRecord, sessions []SessionRecord, ephemerals []EphemeralRecord, zxid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree = newContainer()
	s.sessions = newSessionTable()
	s.ephemerals = newEphemeralIndex()
	s.digest = newDigestAccumulator()
	s.deltas = newDeltaLog()
	s.zxid = zxid

	byPath := make(map[string]*Node, len(nodes))
	for _, rec := range nodes {
		node := &Node{Data: rec.Data, ACLs: rec.ACLs, Stat: rec.Stat, Children: make(map[string]struct{})}
		byPath[rec.Path] = node
		if rec.Path != "/" {
			parentPath, base := splitPath(rec.Path)
			if parent, ok := byPath[parentPath]; ok {
				parent.Children[base] = struct{}{}
			}
		}
	}
	for _, rec := range nodes {
		s.putNode(rec.Path, byPath[rec.Path])
	}

	for _, sr := range sessions {
		sess := s.sessions.createSession(sr.ID, sr.TimeoutMs, sr.ExpiryMs)
		sess.AuthIDs = sr.AuthIDs
	}
	for _, er := range ephemerals {
		for _, p := range er.Paths {
			s.ephemerals.add(er.ID, p)
		}
	}
}
