package store

import (
	"sort"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// Node is a tree node identified by its absolute path, matching §3's
// data model field for field.
type Node struct {
	Data     []byte
	ACLs     []coordination.ACLEntry
	Stat     coordination.Stat
	Children map[string]struct{}
}

func newNode() *Node {
	return &Node{Children: make(map[string]struct{})}
}

// clone returns a deep-enough copy for copy-on-write shadowing: the
// byte slice and ACL slice are copied so a later in-place edit of the
// clone never perturbs an older shadow sharing this call's caller.
func (n *Node) clone() *Node {
	c := &Node{
		Data:     append([]byte(nil), n.Data...),
		Stat:     n.Stat,
		Children: make(map[string]struct{}, len(n.Children)),
	}
	if n.ACLs != nil {
		c.ACLs = append([]coordination.ACLEntry(nil), n.ACLs...)
	}
	for k := range n.Children {
		c.Children[k] = struct{}{}
	}
	return c
}

// sortedChildren returns the child base names in a deterministic
// (lexicographic) order — the spec requires deterministic iteration for
// snapshotting even though insertion order carries no semantic meaning.
func (n *Node) sortedChildren() []string {
	out := make([]string, 0, len(n.Children))
	for c := range n.Children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (n *Node) approxSize(path string) uint64 {
	return uint64(len(path)) + uint64(len(n.Data)) + uint64(len(n.ACLs))*32 + 64
}
