// this file is the thin adapter between the Engine's domain objects and
// the hashicorp/raft library: a raft.LogStore backed by internal/changelog,
// a raft.FSM backed by StateMachine + the snapshot manager, and the TLS
// stream transport peer connections travel over. None of this file
// drives Raft's consensus algorithm itself — it only satisfies the
// interfaces raft.NewRaft needs, the same boundary the teacher draws
// around its own fsm/logStore/StreamLayer trio.
package statemachine

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"

	"github.com/mrshabel/raftkeeper/internal/changelog"
	"github.com/mrshabel/raftkeeper/internal/snapshot"
)

// raftValueType maps a raft.LogType onto the changelog's narrower
// ValueType vocabulary. Subtypes the changelog doesn't distinguish
// (barrier, deprecated peer-add/remove) fold into Noop, which is safe
// because FSM.Apply never inspects their payload.
func raftValueType(t raft.LogType) changelog.ValueType {
	switch t {
	case raft.LogCommand:
		return changelog.ValueTypeCommand
	case raft.LogConfiguration:
		return changelog.ValueTypeConfiguration
	default:
		return changelog.ValueTypeNoop
	}
}

func logType(t changelog.ValueType) raft.LogType {
	switch t {
	case changelog.ValueTypeCommand:
		return raft.LogCommand
	case changelog.ValueTypeConfiguration:
		return raft.LogConfiguration
	default:
		return raft.LogNoop
	}
}

// LogStoreAdapter satisfies raft.LogStore over a changelog.ChangeLog.
type LogStoreAdapter struct {
	cl *changelog.ChangeLog
}

var _ raft.LogStore = (*LogStoreAdapter)(nil)

func NewLogStoreAdapter(cl *changelog.ChangeLog) *LogStoreAdapter {
	return &LogStoreAdapter{cl: cl}
}

func (a *LogStoreAdapter) FirstIndex() (uint64, error) {
	return a.cl.StartIndex(), nil
}

func (a *LogStoreAdapter) LastIndex() (uint64, error) {
	if a.cl.NextSlot() == a.cl.StartIndex() {
		return 0, nil
	}
	return a.cl.NextSlot() - 1, nil
}

func (a *LogStoreAdapter) GetLog(index uint64, out *raft.Log) error {
	entry, err := a.cl.EntryAt(index)
	if err != nil {
		return err
	}
	out.Index = entry.Index
	out.Term = entry.Term
	out.Type = logType(entry.Type)
	out.Data = entry.Payload
	return nil
}

func (a *LogStoreAdapter) StoreLog(log *raft.Log) error {
	return a.StoreLogs([]*raft.Log{log})
}

func (a *LogStoreAdapter) StoreLogs(logs []*raft.Log) error {
	for _, l := range logs {
		entry := changelog.Entry{Term: l.Term, Type: raftValueType(l.Type), Payload: l.Data}
		if l.Index == a.cl.NextSlot() {
			if _, err := a.cl.Append(entry); err != nil {
				return err
			}
			continue
		}
		// l.Index < NextSlot: a new leader is overwriting a stale
		// suffix this replica held from a lost election term.
		entry.Index = l.Index
		if _, err := a.cl.WriteAt(l.Index, entry); err != nil {
			return err
		}
	}
	return a.cl.EndOfAppendBatch(0, 0)
}

func (a *LogStoreAdapter) DeleteRange(min, max uint64) error {
	// raft only ever calls this to trim a fully-applied prefix (log
	// compaction) or to discard a suffix that lost an election race;
	// the changelog already distinguishes those via Compact/WriteAt, so
	// route by which end of the log min/max touches.
	first, _ := a.FirstIndex()
	if min <= first {
		return a.cl.Compact(max)
	}
	_, err := a.cl.WriteAt(min, changelog.Entry{Index: min, Type: changelog.ValueTypeNoop})
	return err
}

// FSM satisfies raft.FSM, delegating committed entries to a
// StateMachine and snapshotting via a snapshot.Manager.
type FSM struct {
	sm        *StateMachine
	snapshots *snapshot.Manager
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(sm *StateMachine, snapshots *snapshot.Manager) *FSM {
	return &FSM{sm: sm, snapshots: snapshots}
}

// Apply is invoked by raft once a log entry commits, pre-committing and
// committing the entry back to back. Its return value is delivered to
// the proposer through ApplyFuture.Response(), so the response §4.3
// promises the client must flow back out of here, not be discarded.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}
	resp, err := f.sm.PreCommit(l.Index, l.Data)
	if err != nil {
		return err
	}
	f.sm.Commit(l.Index)
	return resp
}

type fsmSnapshot struct {
	mgr *snapshot.Manager
	sm  *StateMachine
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{mgr: f.snapshots, sm: f.sm}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.mgr.PersistForFSM(s.sm.Store(), sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()
	return f.snapshots.RestoreForFSM(f.sm.Store(), r)
}

// StreamLayer carries Raft's peer protocol over its own listener, tagging
// each peer connection with a leading one-byte marker (the same framing
// trick the teacher uses ahead of its gRPC traffic) and rejecting
// connections that do not carry it. The admin HTTP surface listens
// separately.
type StreamLayer struct {
	ln              net.Listener
	serverTLSConfig *tls.Config
	peerTLSConfig   *tls.Config
}

var _ raft.StreamLayer = (*StreamLayer)(nil)

func NewStreamLayer(ln net.Listener, serverTLSConfig, peerTLSConfig *tls.Config) *StreamLayer {
	return &StreamLayer{ln: ln, serverTLSConfig: serverTLSConfig, peerTLSConfig: peerTLSConfig}
}

const raftRPCByte = 1

func (s *StreamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", string(addr))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{raftRPCByte}); err != nil {
		return nil, err
	}
	if s.peerTLSConfig != nil {
		conn = tls.Client(conn, s.peerTLSConfig)
	}
	return conn, nil
}

func (s *StreamLayer) Accept() (net.Conn, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 1)
	if _, err := conn.Read(b); err != nil {
		return nil, err
	}
	if !bytes.Equal(b, []byte{raftRPCByte}) {
		return nil, fmt.Errorf("not a raft rpc")
	}
	if s.serverTLSConfig != nil {
		return tls.Server(conn, s.serverTLSConfig), nil
	}
	return conn, nil
}

func (s *StreamLayer) Addr() net.Addr { return s.ln.Addr() }

func (s *StreamLayer) Close() error { return s.ln.Close() }
