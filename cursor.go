// Cursor: the range/prefix scan path from spec.md §4.6, built on this
// package's mergeKeys for key ordering and internal/update for
// UPDATE-chain resolution.
package sophia

import (
	"bytes"

	"github.com/jpl-au/sophia/internal/memtable"
	"github.com/jpl-au/sophia/internal/node"
	"github.com/jpl-au/sophia/internal/record"
	"github.com/jpl-au/sophia/internal/update"
)

// Direction selects a cursor's iteration order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Cursor enumerates a database's visible keys in [lo, hi] at a fixed
// vlsn, folding each key's UPDATE chain and skipping tombstones the
// way a point lookup does (spec.md §4.6).
type Cursor struct {
	db   *Database
	vlsn uint64
	lo   []byte
	hi   []byte
	dir  Direction

	nodes   []*node.Node
	nodeIdx int
	merge   *mergeKeys

	key   []byte
	value []byte
	err   error
	done  bool
}

// Cursor opens a range cursor over [lo, hi] (either bound nil for
// open-ended) at the database's current lsn.
func (db *Database) Cursor(lo, hi []byte, dir Direction) *Cursor {
	return db.cursorAt(lo, hi, dir, db.env.seq.CurrentLSN())
}

func (db *Database) cursorAt(lo, hi []byte, dir Direction, vlsn uint64) *Cursor {
	if dir != Forward {
		return &Cursor{db: db, vlsn: vlsn, lo: lo, hi: hi, dir: dir, err: ErrUnsupportedDirection, done: true}
	}

	db.mu.RLock()
	nodes := append([]*node.Node(nil), db.nodes...)
	db.mu.RUnlock()

	c := &Cursor{db: db, vlsn: vlsn, lo: lo, hi: hi, dir: dir, nodes: nodes}
	c.advance()
	return c
}

// mergeKeys drives a single node's distinct ascending keys across its
// active memtable, shadow memtable, and on-disk branches, ignoring the
// version merge.Source surfaces (the cursor re-resolves each key's full
// chain itself, since Merge only exposes the newest single record).
type mergeKeys struct {
	sources []keySource
}

type keySource interface {
	Valid() bool
	Key() []byte
	Next()
}

// memtableKeySource adapts a memtable.Iter (Has/Key/Next) to keySource
// (Valid/Key/Next).
type memtableKeySource struct{ it *memtable.Iter }

func (s memtableKeySource) Valid() bool { return s.it.Has() }
func (s memtableKeySource) Key() []byte { return s.it.Key() }
func (s memtableKeySource) Next()       { s.it.Next() }

func (db *Database) nodeKeySources(n *node.Node) []keySource {
	var out []keySource
	if active := n.Active(); active != nil {
		if it := active.NewIter(nil); it.Has() {
			out = append(out, memtableKeySource{it: it})
		}
	}
	if shadow := n.Shadow(); shadow != nil {
		if it := shadow.NewIter(nil); it.Has() {
			out = append(out, memtableKeySource{it: it})
		}
	}
	for _, b := range n.File.Branches {
		if bs, err := newBranchPageSource(n.File, b); err == nil && bs.Valid() {
			out = append(out, bs)
		}
	}
	return out
}

func newMergeKeys(sources []keySource) *mergeKeys { return &mergeKeys{sources: sources} }

// next returns the smallest key across every still-live source strictly
// greater than after, advancing every source tied on the winning key.
func (mk *mergeKeys) next(after []byte) ([]byte, bool) {
	var best []byte
	for _, s := range mk.sources {
		for s.Valid() && after != nil && bytes.Compare(s.Key(), after) <= 0 {
			s.Next()
		}
		if !s.Valid() {
			continue
		}
		if best == nil || bytes.Compare(s.Key(), best) < 0 {
			best = s.Key()
		}
	}
	if best == nil {
		return nil, false
	}
	return append([]byte{}, best...), true
}

func (c *Cursor) inRange(key []byte) bool {
	if c.lo != nil && bytes.Compare(key, c.lo) < 0 {
		return false
	}
	if c.hi != nil && bytes.Compare(key, c.hi) > 0 {
		return false
	}
	return true
}

// advance positions the cursor at the next visible, in-range key,
// resolving tombstones and UPDATE chains transparently.
func (c *Cursor) advance() {
	var last []byte
	for {
		if c.merge == nil {
			if c.nodeIdx >= len(c.nodes) {
				c.done = true
				return
			}
			n := c.nodes[c.nodeIdx]
			c.merge = newMergeKeys(c.db.nodeKeySources(n))
			last = nil
		}

		key, ok := c.merge.next(last)
		if !ok {
			c.merge = nil
			c.nodeIdx++
			continue
		}
		last = key

		if c.hi != nil && bytes.Compare(key, c.hi) > 0 {
			c.merge = nil
			c.nodeIdx++
			continue
		}
		if !c.inRange(key) {
			continue
		}

		n := c.nodes[c.nodeIdx]
		chain, found := c.db.readChainFull(n, key, c.vlsn)
		if !found || len(chain) == 0 {
			continue
		}
		head := chain[0]
		if head.Flags.Has(record.FlagDelete) {
			continue
		}

		c.key = key
		if head.Flags.Has(record.FlagUpdate) {
			c.value = update.ReadFold(c.db.folder, chain)
		} else {
			c.value = head.ValueBytes()
		}
		return
	}
}

// Valid reports whether the cursor currently sits on a record.
func (c *Cursor) Valid() bool { return !c.done && c.err == nil }

// Key returns the current record's joined key bytes.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current record's (fully folded) value.
func (c *Cursor) Value() []byte { return c.value }

// Err reports any error encountered while scanning.
func (c *Cursor) Err() error { return c.err }

// Next advances the cursor to the following visible key.
func (c *Cursor) Next() {
	if c.done {
		return
	}
	c.advance()
}

// Close releases cursor resources. Branch page readers are not pooled,
// so this is a no-op kept for API symmetry with a transactional cursor.
func (c *Cursor) Close() {}
