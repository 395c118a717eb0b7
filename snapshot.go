// Snapshot: a pinned read-only view across every database in an
// environment, the supplemented cross-database consistent-read feature
// (spec.md §4.8's vlsn-based isolation, generalized to span databases).
package sophia

import "github.com/jpl-au/sophia/internal/mvcc"

// Snapshot pins env.seq's current lsn so every Get/Cursor issued
// through it observes a single consistent point in time across every
// database, even as later writers advance past it.
type Snapshot struct {
	env  *Environment
	snap *mvcc.Snapshot
}

// NewSnapshot pins the environment's current lsn (spec.md §4.8's
// NewSnapshot(vlsn)).
func (env *Environment) NewSnapshot() *Snapshot {
	vlsn := env.seq.CurrentLSN()
	return &Snapshot{env: env, snap: env.mvccMgr.NewSnapshot(vlsn)}
}

// VLSN reports the lsn this snapshot is pinned at.
func (s *Snapshot) VLSN() uint64 { return s.snap.VLSN }

// Get reads key from db as of the snapshot's pinned vlsn.
func (s *Snapshot) Get(db *Database, keyParts ...[]byte) ([]byte, error) {
	key := joinKeyParts(db.format, keyParts)
	return db.getAt(key, s.snap.VLSN)
}

// Cursor opens a range cursor over db as of the snapshot's pinned vlsn.
func (s *Snapshot) Cursor(db *Database, lo, hi []byte, dir Direction) *Cursor {
	return db.cursorAt(lo, hi, dir, s.snap.VLSN)
}
