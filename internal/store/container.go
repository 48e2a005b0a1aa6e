package store

import (
	"sync"
)

// versionedNode is one generation of a path's node in the container's
// copy-on-write chain (Design Notes §9: "arena + generation counter").
type versionedNode struct {
	node        *Node
	generation  uint64
	activeInMap bool
	tombstone   bool
}

// container is the tree's storage layer: path -> Node, plus the
// snapshot-mode shadowing described in §3. Outside snapshot mode every
// path has exactly one chain entry and mutations simply replace it.
// Inside snapshot mode, a write to a path whose head entry predates the
// freeze point pushes a new head and chains the old one behind it
// (tagged inactive) instead of overwriting it, so a concurrent iterator
// that began before the freeze keeps seeing a stable view.
type container struct {
	mu      sync.RWMutex
	entries map[string][]*versionedNode

	snapshotMode bool
	snapshotGen  uint64 // the frozen generation ("G")
	nextGen      uint64 // generation stamped on writes while frozen (G+1)

	liveSize   uint64 // approximate data-size counter over the live view
	frozenSize uint64 // captured at enableSnapshotMode, held until clearOutdatedNodes
}

func newContainer() *container {
	return &container{entries: make(map[string][]*versionedNode)}
}

// get returns the current (live) node at path, or nil if absent.
func (c *container) get(path string) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain := c.entries[path]
	if len(chain) == 0 || chain[0].tombstone {
		return nil
	}
	return chain[0].node
}

// frozenGet returns the node that was current at the moment snapshot
// mode was enabled (the first chain entry, scanning newest to oldest,
// whose generation is at or before the freeze point).
func (c *container) frozenGet(path string) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain := c.entries[path]
	for _, v := range chain {
		if v.generation <= c.snapshotGen {
			if v.tombstone {
				return nil
			}
			return v.node
		}
	}
	return nil
}

// put stores node at path, shadowing the previous version instead of
// overwriting it if snapshot mode is active and the previous version
// predates the freeze point.
func (c *container) put(path string, node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(path, node, false)
}

// remove tombstones path. The node is not physically dropped from the
// map until clearOutdatedNodes() runs, matching §3's shadow semantics.
func (c *container) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(path, nil, true)
}

func (c *container) writeLocked(path string, node *Node, tombstone bool) {
	chain := c.entries[path]

	var oldSize uint64
	if len(chain) > 0 && !chain[0].tombstone {
		oldSize = chain[0].node.approxSize(path)
	}
	var newSize uint64
	if !tombstone {
		newSize = node.approxSize(path)
	}
	c.liveSize = c.liveSize - oldSize + newSize

	if len(chain) == 0 {
		gen := uint64(0)
		if c.snapshotMode {
			gen = c.nextGen
		}
		c.entries[path] = []*versionedNode{{node: node, generation: gen, activeInMap: true, tombstone: tombstone}}
		return
	}

	head := chain[0]
	if c.snapshotMode && head.generation <= c.snapshotGen {
		head.activeInMap = false
		newHead := &versionedNode{node: node, generation: c.nextGen, activeInMap: true, tombstone: tombstone}
		c.entries[path] = append([]*versionedNode{newHead}, chain...)
		return
	}

	// Either not in snapshot mode, or this path was already written to
	// since the freeze point: safe to overwrite in place.
	head.node = node
	head.tombstone = tombstone
}

// enableSnapshotMode freezes the current generation as the read-view
// boundary; subsequent writes shadow rather than overwrite.
func (c *container) enableSnapshotMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotMode = true
	c.snapshotGen = c.nextGen
	c.nextGen++
	c.frozenSize = c.liveSize
}

func (c *container) disableSnapshotMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotMode = false
}

// clearOutdatedNodes drops every inactive (shadowed) chain entry,
// collapsing each path back down to its current head, and drops paths
// whose head is a tombstone.
func (c *container) clearOutdatedNodes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, chain := range c.entries {
		if chain[0].tombstone {
			delete(c.entries, path)
			continue
		}
		if len(chain) <= 1 {
			continue
		}
		c.entries[path] = chain[:1]
	}
	c.frozenSize = c.liveSize
}

// size is the live, current approximate data-size counter (§3).
func (c *container) size() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveSize
}

// snapshotSizeWithVersion returns the size as of the freeze point and
// the generation it was frozen at; it does not change until
// clearOutdatedNodes runs, regardless of intervening writes (§4.2,
// testable property 10).
func (c *container) snapshotSizeWithVersion() (uint64, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozenSize, c.snapshotGen
}

// mapEntryCount is the total number of chain entries across every path,
// including inactive shadows — the "container_size" figure used when
// sizing a snapshot blob (§8, scenario 5).
func (c *container) mapEntryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, chain := range c.entries {
		n += len(chain)
	}
	return n
}

// pathExistsFrozen reports whether path is present in the frozen
// (snapshot-time) view.
func (c *container) pathExistsFrozen(path string) bool {
	return c.frozenGet(path) != nil
}
