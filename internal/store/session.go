package store

import (
	"container/heap"
	"sync"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// Session tracks one client connection's lease and accumulated auth
// identities (§3).
type Session struct {
	ID          int64
	TimeoutMs   int64
	ExpiryMs    int64 // absolute deadline, refreshed on every touch
	AuthIDs     []coordination.AuthID
	Closed      bool
}

type sessionHeapEntry struct {
	sessionID int64
	expiryMs  int64
	index     int
}

// expiryHeap is a min-heap over expiryMs, giving getExpiredSessions an
// O(log n) path to the next deadline instead of a full table scan.
type expiryHeap []*sessionHeapEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool   { return h[i].expiryMs < h[j].expiryMs }
func (h expiryHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x interface{})  { e := x.(*sessionHeapEntry); e.index = len(*h); *h = append(*h, e) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// sessionTable owns the session map and its expiry queue. A session's
// heap entry is looked up by ID so a touch can adjust its deadline in
// place rather than re-scanning.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	heapIdx  map[int64]*sessionHeapEntry
	queue    expiryHeap
	nextID   int64
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[int64]*Session),
		heapIdx:  make(map[int64]*sessionHeapEntry),
	}
}

// createSession registers a brand-new session with the given absolute
// expiry deadline (nowMs + timeoutMs, computed by the caller so the
// state machine stays the single source of wall-clock truth).
func (t *sessionTable) createSession(id, timeoutMs, expiryMs int64) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Session{ID: id, TimeoutMs: timeoutMs, ExpiryMs: expiryMs}
	t.sessions[id] = s
	entry := &sessionHeapEntry{sessionID: id, expiryMs: expiryMs}
	heap.Push(&t.queue, entry)
	t.heapIdx[id] = entry
	return s
}

func (t *sessionTable) get(id int64) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

// touch renews a session's deadline, used on every request from that
// session per §5's lease-renewal rule.
func (t *sessionTable) touch(id, newExpiryMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.Closed {
		return false
	}
	s.ExpiryMs = newExpiryMs
	if entry, ok := t.heapIdx[id]; ok {
		entry.expiryMs = newExpiryMs
		heap.Fix(&t.queue, entry.index)
	}
	return true
}

func (t *sessionTable) addAuth(id int64, a coordination.AuthID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return
	}
	for _, existing := range s.AuthIDs {
		if existing.Scheme == a.Scheme && existing.ID == a.ID {
			return
		}
	}
	s.AuthIDs = append(s.AuthIDs, a)
}

// removeAuth retracts a single previously-granted auth identity,
// undoing addAuth — used when the Auth request that granted it rolls
// back because its entry never replicated.
func (t *sessionTable) removeAuth(id int64, a coordination.AuthID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return
	}
	for i, existing := range s.AuthIDs {
		if existing.Scheme == a.Scheme && existing.ID == a.ID {
			s.AuthIDs = append(s.AuthIDs[:i], s.AuthIDs[i+1:]...)
			return
		}
	}
}

// reopen reinstates a session from a snapshot taken just before it was
// closed, used to undo closeSessionDelta when the owning Close entry
// never replicates.
func (t *sessionTable) reopen(prev *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Session{ID: prev.ID, TimeoutMs: prev.TimeoutMs, ExpiryMs: prev.ExpiryMs, AuthIDs: prev.AuthIDs}
	t.sessions[s.ID] = s
	entry := &sessionHeapEntry{sessionID: s.ID, expiryMs: s.ExpiryMs}
	heap.Push(&t.queue, entry)
	t.heapIdx[s.ID] = entry
}

// close marks a session closed and drops it from the expiry queue; the
// caller is responsible for removing any ephemeral nodes it owned.
func (t *sessionTable) close(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return
	}
	s.Closed = true
	if entry, ok := t.heapIdx[id]; ok {
		heap.Remove(&t.queue, entry.index)
		delete(t.heapIdx, id)
	}
	delete(t.sessions, id)
}

// getExpiredSessions pops and returns every session whose deadline is
// at or before nowMs, in deadline order.
func (t *sessionTable) getExpiredSessions(nowMs int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []int64
	for t.queue.Len() > 0 && t.queue[0].expiryMs <= nowMs {
		entry := heap.Pop(&t.queue).(*sessionHeapEntry)
		delete(t.heapIdx, entry.sessionID)
		expired = append(expired, entry.sessionID)
	}
	return expired
}

func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
