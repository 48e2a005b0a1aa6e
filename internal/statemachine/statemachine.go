// this file is the replicated state machine glue (§4.3): it turns a
// changelog entry into a Store mutation ahead of commit, and later
// tells the Store whether that mutation should stick or be undone once
// the Raft layer learns whether the entry actually replicated.
package statemachine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/coordination"
	"github.com/mrshabel/raftkeeper/internal/store"
)

// ZxidAllocator mints the monotonic zxid embedded in every Command
// entry by the leader at propose time. Every replica — leader
// included — then applies the entry using the zxid it was proposed
// with, rather than computing its own, so replicas never diverge on
// zxid assignment regardless of which one is leader when the entry
// commits.
type ZxidAllocator struct {
	mu   sync.Mutex
	next int64
}

func NewZxidAllocator(start int64) *ZxidAllocator {
	return &ZxidAllocator{next: start}
}

func (z *ZxidAllocator) Next() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	v := z.next
	z.next++
	return v
}

// StateMachine adapts a request stream onto internal/store.
type StateMachine struct {
	mu sync.Mutex

	store  *store.Store
	logger *zap.Logger

	indexToZxid map[uint64]int64 // raft log index -> zxid, pending commit/rollback
}

func New(st *store.Store, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		store:       st,
		logger:      logger,
		indexToZxid: make(map[uint64]int64),
	}
}

// PreCommit decodes payload (whose embedded zxid was fixed by the
// leader at propose time) and applies it speculatively to the Store,
// returning the response the client will eventually receive once this
// log index commits. logIndex is the Raft log position this entry was
// assigned; it need not equal the embedded zxid, since config-change
// and no-op entries consume a log index without ever calling PreCommit.
func (m *StateMachine) PreCommit(logIndex uint64, payload []byte) (coordination.Response, error) {
	env, req, err := decodeEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", logIndex, err)
	}

	m.mu.Lock()
	m.indexToZxid[logIndex] = env.Zxid
	m.mu.Unlock()

	ctx := store.RequestContext{
		SessionID: env.SessionID,
		NowMs:     env.TimeMs,
		CheckACL:  true,
		AuthIDs:   m.store.SessionAuthIDs(env.SessionID),
	}
	if live := m.store.TouchSession(env.SessionID, env.TimeMs); !live && req.Op() != coordination.OpClose {
		m.logger.Warn("request from unknown or expired session", zap.Int64("session_id", env.SessionID))
	}

	return m.store.PreprocessRequest(req, ctx, env.Zxid), nil
}

// Commit finalizes the zxid assigned to logIndex: the Store's mutation
// is already in place, so this only lets the Store's delta log forget
// about it.
func (m *StateMachine) Commit(logIndex uint64) {
	m.mu.Lock()
	zxid, ok := m.indexToZxid[logIndex]
	delete(m.indexToZxid, logIndex)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.store.Commit(zxid)
}

// Rollback undoes every pre_commit'd entry at or after logIndex, used
// when Raft reports those entries will never replicate (e.g. this
// replica lost an election race after pre-committing ahead of the
// leader).
func (m *StateMachine) Rollback(logIndex uint64) {
	m.mu.Lock()
	keepZxid := int64(0)
	for idx, zxid := range m.indexToZxid {
		if idx < logIndex && zxid > keepZxid {
			keepZxid = zxid
		}
	}
	for idx := range m.indexToZxid {
		if idx >= logIndex {
			delete(m.indexToZxid, idx)
		}
	}
	m.mu.Unlock()
	m.store.Rollback(keepZxid)
}

// ExpireSessions returns the IDs of every session whose lease elapsed
// as of nowMs. It only identifies them — actually closing a session
// (sweeping its ephemerals, touching the digest) must still go through
// PreCommit/Commit via a replicated Close entry, the same as a
// client-initiated disconnect, so every replica ends up in the same
// state rather than only the one node that happened to notice the
// expiry first.
func (m *StateMachine) ExpireSessions(nowMs int64) []int64 {
	return m.store.ExpiredSessions(nowMs)
}

// EncodeCommand mints a zxid and builds the changelog payload for a
// client request, for use by whatever component proposes entries to
// the Raft log.
func EncodeCommand(zxids *ZxidAllocator, sessionID int64, req coordination.Request, timeMs int64) ([]byte, int64, error) {
	zxid := zxids.Next()
	payload, err := encodeRequest(sessionID, req, timeMs, zxid)
	return payload, zxid, err
}

func (m *StateMachine) Store() *store.Store { return m.store }
