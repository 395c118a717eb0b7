// Package planner implements the per-database planner from spec.md
// §4.10: two priority queues bucketing nodes by in-memory size and by
// branch count, kept in sync by update/remove, and plan() resolving one
// of the scheduler's request kinds to a locked node.
//
// Grounded on folio's rehash.go bucketing of hash-table load factor into
// discrete growth steps, generalized here to two independent bucketed
// queues instead of one.
package planner

import (
	"container/heap"

	"github.com/jpl-au/sophia/internal/node"
)

// Bucket widths from spec.md §4.10.
const (
	branchBucketSize  = 1 << 20 // 1 MiB
	branchBucketCount = 4000
	compactBucketSize = 1
	compactBucketCount = 20
)

func bucket(value int64, width int64, count int) int {
	b := value / width
	if b >= int64(count) {
		return count - 1
	}
	if b < 0 {
		return 0
	}
	return int(b)
}

// entry is one heap element: a node plus the bucket value it was last
// filed under, so remove() can find it in O(log n) via the node's
// cached queue position.
type entry struct {
	n      *node.Node
	bucket int
	index  int
}

type byBucketDesc []*entry

func (h byBucketDesc) Len() int            { return len(h) }
func (h byBucketDesc) Less(i, j int) bool  { return h[i].bucket > h[j].bucket }
func (h byBucketDesc) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *byBucketDesc) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *byBucketDesc) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Planner holds the branch and compact queues for one database.
type Planner struct {
	branch  byBucketDesc
	compact byBucketDesc

	byNodeBranch  map[uint32]*entry
	byNodeCompact map[uint32]*entry
}

// New returns an empty planner.
func New() *Planner {
	return &Planner{
		byNodeBranch:  make(map[uint32]*entry),
		byNodeCompact: make(map[uint32]*entry),
	}
}

// Update re-files n in both queues based on its current statistics
// (spec.md §4.10's update(flags, node)); it takes no flags argument —
// bucket placement depends only on the node's live stats.
func (p *Planner) Update(n *node.Node) {
	bb := bucket(n.InMemoryBytes(), branchBucketSize, branchBucketCount)
	if e, ok := p.byNodeBranch[n.ID]; ok {
		e.bucket = bb
		heap.Fix(&p.branch, e.index)
	} else {
		e := &entry{n: n, bucket: bb}
		heap.Push(&p.branch, e)
		p.byNodeBranch[n.ID] = e
		n.QueuePosBranch = e.index
	}

	cb := bucket(int64(n.BranchCount()), compactBucketSize, compactBucketCount)
	if e, ok := p.byNodeCompact[n.ID]; ok {
		e.bucket = cb
		heap.Fix(&p.compact, e.index)
	} else {
		e := &entry{n: n, bucket: cb}
		heap.Push(&p.compact, e)
		p.byNodeCompact[n.ID] = e
		n.QueuePosCompact = e.index
	}
}

// Remove drops n from both queues, called when a node is deleted by
// compaction or drop (spec.md §4.10's remove(flags, node)).
func (p *Planner) Remove(n *node.Node) {
	if e, ok := p.byNodeBranch[n.ID]; ok {
		heap.Remove(&p.branch, e.index)
		delete(p.byNodeBranch, n.ID)
	}
	if e, ok := p.byNodeCompact[n.ID]; ok {
		heap.Remove(&p.compact, e.index)
		delete(p.byNodeCompact, n.ID)
	}
}

// Request is one of the nine plan() request kinds from spec.md §4.10.
type Request struct {
	Kind Kind
	WM   int64  // Branch/Compact/Gc watermark, in the request's own unit
	TTL  int64  // Age: seconds a node must have gone un-branched
	LSN  uint64 // Checkpoint: lsn ceiling
	VLSN uint64 // Gc: visibility floor
	BSN  uint32 // Backup/BackupEnd
	PctWM float64
}

type Kind int

const (
	Branch Kind = iota
	Age
	Compact
	Checkpoint
	Gc
	Backup
	BackupEnd
	Shutdown
	Drop
)

// Code is plan()'s return code (spec.md §4.10).
type Code int

const (
	Nothing    Code = 0
	Selected   Code = 1
	InProgress Code = 2
)

// Plan resolves req against the live queues, returning (rc, node). On
// Selected the node's Lock is already set; the caller is responsible
// for releasing it once the task completes.
func (p *Planner) Plan(req Request) (Code, *node.Node) {
	switch req.Kind {
	case Branch:
		return p.pickBranch(req.WM)
	case Compact:
		return p.pickCompact(req.WM)
	case Age:
		return p.pickAge(req.TTL, req.WM)
	case Gc:
		return p.pickGc(req.VLSN, req.PctWM)
	case Backup:
		return p.pickBackup(req.BSN)
	default:
		return Nothing, nil
	}
}

func (p *Planner) pickBranch(wm int64) (Code, *node.Node) {
	if len(p.branch) == 0 {
		return Nothing, nil
	}
	top := p.branch[0]
	if top.n.Lock {
		return InProgress, nil
	}
	if top.n.InMemoryBytes() < wm {
		return Nothing, nil
	}
	top.n.Lock = true
	return Selected, top.n
}

func (p *Planner) pickCompact(wm int64) (Code, *node.Node) {
	if len(p.compact) == 0 {
		return Nothing, nil
	}
	top := p.compact[0]
	if top.n.Lock {
		return InProgress, nil
	}
	if int64(top.n.BranchCount()) < wm {
		return Nothing, nil
	}
	top.n.Lock = true
	return Selected, top.n
}

// pickAge scans the branch queue (unordered by age) for the first
// unlocked node with in-memory size >= wm. The ttl argument is not
// consulted: a node's age plays no part in the pick. Linear, matching spec.md's
// description of age selection as a secondary sweep distinct from the
// bucketed branch pick.
func (p *Planner) pickAge(ttl, wm int64) (Code, *node.Node) {
	for _, e := range p.branch {
		if e.n.Lock {
			continue
		}
		if e.n.InMemoryBytes() >= wm {
			e.n.Lock = true
			return Selected, e.n
		}
	}
	return Nothing, nil
}

func (p *Planner) pickGc(vlsn uint64, pctWM float64) (Code, *node.Node) {
	for _, e := range p.compact {
		n := e.n
		if n.Lock || n.File == nil || len(n.File.Branches) == 0 {
			continue
		}
		head := n.File.Branches[0].Header
		if head.DupMin < vlsn {
			continue
		}
		if head.Keys == 0 {
			continue
		}
		if float64(head.DupKeys)/float64(head.Keys) < pctWM {
			continue
		}
		n.Lock = true
		return Selected, n
	}
	return Nothing, nil
}

func (p *Planner) pickBackup(bsn uint32) (Code, *node.Node) {
	for _, e := range p.branch {
		if e.n.Lock {
			continue
		}
		if e.n.BackupBSN < bsn {
			e.n.Lock = true
			return Selected, e.n
		}
	}
	return Nothing, nil
}
