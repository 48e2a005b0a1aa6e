package store

import (
	"encoding/binary"
	"sync"
)

// digestAccumulator maintains a 64-bit running digest over the
// committed tree (§4.2's divergence-detection digest). Per-node
// contributions are combined with XOR so adding, removing, or updating
// a single node is O(1): XOR is its own inverse, so "remove" and
// "undo an add" are the same operation, and node contributions commute
// regardless of visit order.
//
// The per-node mixing function is FNV-1a over the node's path and its
// serialized content; the exact mixing function is implementation
// defined (the wire protocol only requires two replicas that applied
// the same committed entries to agree), so this one is not compatible
// with any other ZooKeeper-family digest.
type digestAccumulator struct {
	mu    sync.Mutex
	total uint64
}

func newDigestAccumulator() *digestAccumulator {
	return &digestAccumulator{}
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

func fnv1a(seed uint64, data []byte) uint64 {
	h := seed
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	return h
}

// nodeDigestContribution only mixes in fields that describe a node's
// own data (path, payload, version, last-modifying zxid, ownership,
// ACLs). Pure bookkeeping fields a parent update touches on every
// child create/delete — Cversion, NumChildren, Pzxid — are excluded,
// so creating then deleting a child returns the digest to exactly its
// prior value instead of drifting on the parent's child-count churn.
func nodeDigestContribution(path string, n *Node) uint64 {
	h := fnv1a(fnvOffset64, []byte(path))
	h = fnv1a(h, n.Data)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n.Stat.Version))
	h = fnv1a(h, buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(n.Stat.Mzxid))
	h = fnv1a(h, buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(n.Stat.EphemeralOwner))
	h = fnv1a(h, buf[:])
	for _, a := range n.ACLs {
		h = fnv1a(h, []byte(a.Scheme+":"+a.ID))
	}
	return h
}

func (d *digestAccumulator) addNode(path string, n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total ^= nodeDigestContribution(path, n)
}

func (d *digestAccumulator) removeNode(path string, n *Node) {
	// XOR is self-inverse: removing uses the same mix as adding.
	d.addNode(path, n)
}

func (d *digestAccumulator) value() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
