// Package merge implements the k-way merge iterators from spec.md §4.6:
// merging the per-node in-memory index with every branch in the node's
// chain (or just the in-memory index alone, for branching), with
// newest-wins tie-breaking and duplicate tracking.
//
// On equal keys the merge picks the source with the newest version;
// duplicates on the losing sources are advanced without emitting
// (spec.md §4.6).
package merge

import (
	"bytes"
	"container/heap"

	"github.com/jpl-au/sophia/internal/record"
)

// Source is one input to the merge: either the node's in-memory index
// or one branch's page stream, already positioned by the caller and
// ordered ascending by key.
type Source interface {
	Valid() bool
	Key() []byte
	Record() *record.Record
	Next()
}

type item struct {
	src Source
	idx int
}

type minHeap []item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].src.Key(), h[j].src.Key())
	if c != 0 {
		return c < 0
	}
	// Same key: newest source (highest lsn) sorts first so it's picked,
	// satisfying the "newest wins" tie-break.
	return h[i].src.Record().LSN > h[j].src.Record().LSN
}
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge is a k-way merge across the supplied sources, emitting exactly
// one version per distinct key: the newest across all sources. Sources
// sharing a key that lose the tie-break are advanced without emitting,
// per spec.md §4.6.
type Merge struct {
	h   minHeap
	cur *record.Record
	key []byte
}

// New builds a merge over sources, all already positioned at their
// first record.
func New(sources ...Source) *Merge {
	m := &Merge{}
	for _, s := range sources {
		if s.Valid() {
			m.h = append(m.h, item{src: s})
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next distinct key, returning false when
// exhausted. While advancing, every source tied on the key being
// returned is popped and re-pushed after calling Next on it, so duplicates never
// surface as separate results.
func (m *Merge) Next() bool {
	if len(m.h) == 0 {
		m.cur = nil
		return false
	}
	top := m.h[0]
	m.key = append(m.key[:0], top.src.Key()...)
	m.cur = top.src.Record()

	for len(m.h) > 0 && bytes.Equal(m.h[0].src.Key(), m.key) {
		it := heap.Pop(&m.h).(item)
		it.src.Next()
		if it.src.Valid() {
			heap.Push(&m.h, it)
		}
	}
	return true
}

// Key returns the current distinct key.
func (m *Merge) Key() []byte { return m.key }

// Record returns the newest record for the current key.
func (m *Merge) Record() *record.Record { return m.cur }
