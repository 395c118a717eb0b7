// Package node implements the Node type from spec.md §3: the unit of
// compaction, owning an on-disk file (via internal/store), two
// in-memory write indices for branch rotation, and the lock/rotate
// flags that coordinate writers against the background branch/compact
// worker.
package node

import (
	"sync"

	"github.com/jpl-au/sophia/internal/keys"
	"github.com/jpl-au/sophia/internal/memtable"
	"github.com/jpl-au/sophia/internal/store"
)

// Node is the unit of compaction (spec.md §3).
type Node struct {
	ID       uint32
	ParentID uint32
	Dir      string

	File *store.File

	schema *keys.Schema // ordering for i0/i1, propagated to new shadow trees

	mu   sync.RWMutex
	i0   *memtable.Tree // active
	i1   *memtable.Tree // shadow, populated only while Rotate is held

	Lock      bool // while held, no other scheduler task may run on this node
	Rotate    bool // while held, writers insert into i1; branch reads i0
	BackupBSN uint32

	Min, Max []byte // node's covered key range

	// QueuePos{Branch,Compact} are maintained by internal/planner; kept
	// here so removal from the binary-heap-backed queues is O(log n)
	// instead of O(n).
	QueuePosBranch  int
	QueuePosCompact int
}

// New wraps an already-open store.File as a live Node, ordering its
// write indices by schema (spec.md §4.1). A nil schema is only safe for
// schemas with no *Rev part.
func New(dir string, id, parent uint32, f *store.File, schema *keys.Schema) *Node {
	return &Node{
		ID:              id,
		ParentID:        parent,
		Dir:             dir,
		File:            f,
		schema:          schema,
		i0:              memtable.New(schema),
		QueuePosBranch:  -1,
		QueuePosCompact: -1,
	}
}

// Active returns the memtable writers should insert into: i1 while
// Rotate is held, i0 otherwise (spec.md §3 invariant).
func (n *Node) Active() *memtable.Tree {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.Rotate && n.i1 != nil {
		return n.i1
	}
	return n.i0
}

// Shadow returns the memtable a background branch should drain: i0
// during rotation, nil otherwise.
func (n *Node) Shadow() *memtable.Tree {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.Rotate {
		return n.i0
	}
	return nil
}

// BeginRotate starts rotation: new writers now land in i1 while a
// background branch drains i0 (spec.md §4.11 step 4).
func (n *Node) BeginRotate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Rotate = true
	n.i1 = memtable.New(n.schema)
}

// EndRotate swaps i1 into i0's place once the branch of the old i0 has
// been sealed, resetting memory quota accounting for the branched
// bytes.
func (n *Node) EndRotate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.i0 = n.i1
	if n.i0 == nil {
		n.i0 = memtable.New(n.schema)
	}
	n.i1 = nil
	n.Rotate = false
}

// InMemoryBytes returns the node's current in-memory write-buffer size,
// the statistic the planner's branch queue buckets on.
func (n *Node) InMemoryBytes() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := n.i0.Bytes()
	if n.i1 != nil {
		total += n.i1.Bytes()
	}
	return total
}

// BranchCount returns the number of sealed branches in the node's file.
func (n *Node) BranchCount() int {
	if n.File == nil {
		return 0
	}
	return len(n.File.Branches)
}

// Covers reports whether key falls in [Min, Max]. An empty Min/Max pair
// means the node covers the entire keyspace (the bootstrap node).
func (n *Node) Covers(key []byte, cmp func(a, b []byte) int) bool {
	if n.Min != nil && cmp(key, n.Min) < 0 {
		return false
	}
	if n.Max != nil && cmp(key, n.Max) > 0 {
		return false
	}
	return true
}
