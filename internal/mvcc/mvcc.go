// Package mvcc implements the transaction manager from spec.md §4.8: a
// state machine per transaction (Ready/Commit/Prepare/Rollback/Lock), a
// per-key chain of in-flight versions ("sxv") guarded by a single
// global lock, and an on-demand deadlock check over the wait-for graph.
//
// Grounded on folio's db.go locking style (single coarse mutex around
// the hot map) generalized from folio's single-writer assumption to
// multiple concurrent transactions contending on key chains.
package mvcc

import (
	"errors"
	"sync"

	"github.com/jpl-au/sophia/internal/record"
)

// State is a transaction's lifecycle state (spec.md §4.8).
type State int

const (
	Ready State = iota
	Prepare
	Commit
	Rollback
	Lock
)

// Errors returned by Manager operations.
var (
	ErrLock     = errors.New("mvcc: key locked by another live transaction")
	ErrAborted  = errors.New("mvcc: version aborted by a concurrent writer")
	ErrDeadlock = errors.New("mvcc: deadlock detected")
)

// sxv is one versioned write queued against a key: the "versioned
// value" spec.md §3 names, linked into a chain in arrival order.
type sxv struct {
	tx      *Tx
	db      uint32
	key     string // joined key bytes, used only as the chain map key
	record  *record.Record
	aborted bool
	prev    *sxv
	next    *sxv
}

// Tx is one transaction: its id, lifecycle state, visibility snapshot,
// and the ordered log of versions it has written.
type Tx struct {
	ID    uint64
	VLSN  uint64
	state State
	log   []*sxv

	// waitsFor records transactions this one is queued behind, keyed by
	// the blocking tx's id; used only by the deadlock checker.
	waitsFor map[uint64]struct{}
}

func (t *Tx) State() State { return t.state }

// Manager owns the global map of active transactions and per-(db,key)
// chain heads (spec.md §5's mvcc.lock spinlock, approximated here with
// a sync.Mutex since Go offers no portable userspace spinlock).
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Tx
	chains map[string]*sxv // "db:key" -> chain head
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{
		active: make(map[uint64]*Tx),
		chains: make(map[string]*sxv),
	}
}

// Begin starts a transaction, snapshotting vlsn from the current lsn
// sequence value (spec.md §3: "Starting a transaction snapshots vlsn
// from the sequence object's current lsn").
func (m *Manager) Begin(vlsn uint64) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tx := &Tx{ID: m.nextID, VLSN: vlsn, state: Ready, waitsFor: make(map[uint64]struct{})}
	m.active[tx.ID] = tx
	return tx
}

func chainKey(db uint32, key []byte) string {
	b := make([]byte, 4+len(key))
	b[0], b[1], b[2], b[3] = byte(db), byte(db>>8), byte(db>>16), byte(db>>24)
	copy(b[4:], key)
	return string(b)
}

// Set implements spec.md §4.8's set(tx, db, record):
//   - Locate chain head by key; if none, create chain with this version.
//   - If chain head belongs to the same tx, replace in place.
//   - Otherwise link onto the tail, marking this version as waiter of
//     the previous head.
func (m *Manager) Set(tx *Tx, db uint32, key []byte, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := chainKey(db, key)
	head := m.chains[ck]

	v := &sxv{tx: tx, db: db, key: ck, record: r}

	switch {
	case head == nil:
		m.chains[ck] = v
		tx.log = append(tx.log, v)
	case head.tx == tx:
		// Replace this tx's own pending version in place.
		v.next = head.next
		v.prev = head.prev
		if head.prev != nil {
			head.prev.next = v
		} else {
			m.chains[ck] = v
		}
		replaceInLog(tx, head, v)
	default:
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = v
		v.prev = tail
		tx.log = append(tx.log, v)
		tx.waitsFor[tail.tx.ID] = struct{}{}
	}
	return nil
}

func replaceInLog(tx *Tx, old, new *sxv) {
	for i, e := range tx.log {
		if e == old {
			tx.log[i] = new
			return
		}
	}
	tx.log = append(tx.log, new)
}

// Get implements spec.md §4.8's get(tx, db, key): if this tx already
// has a pending version for key, return it (honoring DELETE); the
// caller falls through to the storage engine at tx.VLSN otherwise.
func (m *Manager) Get(tx *Tx, db uint32, key []byte) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := chainKey(db, key)
	for v := m.chains[ck]; v != nil; v = v.next {
		if v.tx == tx {
			return v.record, true
		}
	}
	return nil, false
}

// Callback is invoked once per entry during Prepare for a last-write-
// wins check against already-committed state; returning true requests
// rollback of the whole transaction.
type Callback func(r *record.Record, db uint32) bool

// Prepare implements spec.md §4.8's prepare(tx, callback): for every
// entry, abort-flagged entries trigger rollback; an entry still behind
// a previous waiter yields Lock; otherwise callback runs for a
// last-write-wins check.
func (m *Manager) Prepare(tx *Tx, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range tx.log {
		if v.aborted {
			tx.state = Rollback
			m.unlockLocked(tx)
			return ErrAborted
		}
		if v.prev != nil && !v.prev.aborted {
			tx.state = Lock
			return ErrLock
		}
		if cb != nil && cb(v.record, v.db) {
			tx.state = Rollback
			m.unlockLocked(tx)
			return ErrAborted
		}
	}
	tx.state = Prepare
	return nil
}

// Commit implements spec.md §4.8's commit(tx): every entry's waiters
// are flagged aborted, the version is unlinked (promoting the first
// waiter to chain head if any), and the underlying record is handed
// back to the caller for node-index insertion.
func (m *Manager) Commit(tx *Tx) []*record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*record.Record, 0, len(tx.log))
	for _, v := range tx.log {
		for w := v.next; w != nil; w = w.next {
			w.aborted = true
		}
		m.unlinkLocked(v)
		out = append(out, v.record)
	}
	tx.state = Commit
	delete(m.active, tx.ID)
	return out
}

// Rollback unlinks every version this tx holds without handing records
// back for persistence.
func (m *Manager) Rollback(tx *Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked(tx)
}

func (m *Manager) unlockLocked(tx *Tx) {
	for _, v := range tx.log {
		m.unlinkLocked(v)
	}
	tx.state = Rollback
	delete(m.active, tx.ID)
}

func (m *Manager) unlinkLocked(v *sxv) {
	if v.prev != nil {
		v.prev.next = v.next
	} else {
		if v.next != nil {
			m.chains[v.key] = v.next
		} else {
			delete(m.chains, v.key)
		}
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
}

// CheckDeadlock walks the wait-for graph from tx, per spec.md §4.8:
// marking reachable transactions; if tx itself is rediscovered, the
// check reports deadlock. On-demand and advisory only.
func (m *Manager) CheckDeadlock(tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[uint64]bool)
	var walk func(id uint64) bool
	walk = func(id uint64) bool {
		if id == tx.ID && seen[id] {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		t, ok := m.active[id]
		if !ok {
			return false
		}
		for blocker := range t.waitsFor {
			if blocker == tx.ID {
				return true
			}
			if walk(blocker) {
				return true
			}
		}
		return false
	}
	for blocker := range tx.waitsFor {
		if walk(blocker) {
			return ErrDeadlock
		}
	}
	return nil
}

// Snapshot is a long-lived read-only transaction pinned at a fixed
// vlsn (spec.md §4.8), used for reads at that vlsn. The Manager does not
// track snapshots, so a snapshot's id does not hold back any
// garbage-collection lower bound.
type Snapshot struct {
	ID   uint64
	VLSN uint64
}

// NewSnapshot creates a snapshot pinned at vlsn with a fresh id. The
// snapshot is not registered with the Manager.
func (m *Manager) NewSnapshot(vlsn uint64) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return &Snapshot{ID: m.nextID, VLSN: vlsn}
}
