// Transaction: the batch write pipeline from spec.md §4.7/§4.8, built
// directly on internal/mvcc's state machine.
package sophia

import (
	"sync"

	"github.com/jpl-au/sophia/internal/mvcc"
	"github.com/jpl-au/sophia/internal/record"
	"github.com/jpl-au/sophia/internal/update"
)

// txEntry pairs one pending write with the database it targets. Kept
// in our own dedup-by-key order since internal/mvcc never exposes
// which db/key a committed record came from.
type txEntry struct {
	db  *Database
	rec *record.Record
}

// Transaction accumulates writes in a log and resolves them against
// the environment's MVCC manager (spec.md §4.7's batch/transaction
// write path, §4.8's state machine).
type Transaction struct {
	env *Environment
	tx  *mvcc.Tx

	mu      sync.Mutex
	entries []*txEntry
	index   map[string]int
	done    bool
}

// BeginTransaction starts a transaction, snapshotting vlsn from the
// sequence object's current lsn (spec.md §3).
func (env *Environment) BeginTransaction() *Transaction {
	return &Transaction{
		env:   env,
		tx:    env.mvccMgr.Begin(env.seq.CurrentLSN()),
		index: make(map[string]int),
	}
}

func txChainKey(dsn uint32, key []byte) string {
	b := make([]byte, 4+len(key))
	b[0], b[1], b[2], b[3] = byte(dsn), byte(dsn>>8), byte(dsn>>16), byte(dsn>>24)
	copy(b[4:], key)
	return string(b)
}

// Write implements set_statement: build a record, acquire an MVCC
// slot, and track it for Commit's node-insertion pass. A write to a key
// that another live transaction holds queues behind it; the conflict is
// reported as ErrLock by Prepare (and so by Commit). A second write
// to the same (db, key) in this transaction replaces the first in
// place, mirroring mvcc.Manager.Set's own replace-in-place rule.
func (tx *Transaction) Write(db *Database, keyParts [][]byte, value []byte, flags record.Flags) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxState
	}
	if tx.env.errs.isMalfunction() {
		return ErrMalfunction
	}

	rec := record.New(db.format, keyParts, value, 0, flags)
	if err := tx.env.mvccMgr.Set(tx.tx, db.dsn, rec.KeyBytes(), rec); err != nil {
		return ErrLock
	}

	ck := txChainKey(db.dsn, rec.KeyBytes())
	if i, ok := tx.index[ck]; ok {
		tx.entries[i] = &txEntry{db: db, rec: rec}
	} else {
		tx.entries = append(tx.entries, &txEntry{db: db, rec: rec})
		tx.index[ck] = len(tx.entries) - 1
	}
	return nil
}

// Set, Update and Delete are Write's spec.md §6 spellings.
func (tx *Transaction) Set(db *Database, keyParts [][]byte, value []byte) error {
	return tx.Write(db, keyParts, value, 0)
}
func (tx *Transaction) Update(db *Database, keyParts [][]byte, delta []byte) error {
	return tx.Write(db, keyParts, delta, record.FlagUpdate)
}
func (tx *Transaction) Delete(db *Database, keyParts [][]byte) error {
	return tx.Write(db, keyParts, nil, record.FlagDelete)
}

// Get implements spec.md §4.8's get(tx, db, key): this transaction's
// own pending version if one exists, otherwise the storage engine at
// tx.vlsn, folding any UPDATE chain the pending version extends.
func (tx *Transaction) Get(db *Database, keyParts [][]byte) ([]byte, error) {
	key := joinKeyParts(db.format, keyParts)

	if rec, ok := tx.env.mvccMgr.Get(tx.tx, db.dsn, key); ok {
		if rec.Flags.Has(record.FlagDelete) {
			return nil, ErrNotFound
		}
		if !rec.Flags.Has(record.FlagUpdate) {
			return rec.ValueBytes(), nil
		}
		n := db.routeNode(key)
		var base []*record.Record
		if n != nil {
			base, _ = db.readChainFull(n, key, tx.tx.VLSN)
		}
		chain := append([]*record.Record{rec}, base...)
		return update.ReadFold(db.folder, chain), nil
	}
	return db.getAt(key, tx.tx.VLSN)
}

// CheckDeadlock runs the on-demand, advisory wait-for graph walk from
// spec.md §4.8.
func (tx *Transaction) CheckDeadlock() error { return tx.env.mvccMgr.CheckDeadlock(tx.tx) }

// Prepare resolves conflicts against the database's committed state
// and assigns lsns to every pending entry, in log order (spec.md
// §4.7's batch path, §4.8's prepare(tx, callback)).
func (tx *Transaction) Prepare() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxState
	}
	if err := tx.env.mvccMgr.Prepare(tx.tx, nil); err != nil {
		if tx.tx.State() == mvcc.Lock {
			return ErrLock
		}
		return err
	}
	lsn := tx.env.seq.NextLSNRange(len(tx.entries))
	for i, e := range tx.entries {
		e.rec.LSN = lsn + uint64(i)
	}
	return nil
}

// Commit implements spec.md §4.7's batch write: Prepare if not already
// prepared, serialize the batch to the WAL, then insert every record
// into its owning node's in-memory index (spec.md §4.8's commit(tx)).
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return ErrTxState
	}
	needPrepare := tx.tx.State() != mvcc.Prepare
	tx.mu.Unlock()

	if needPrepare {
		if err := tx.Prepare(); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	entries := append([]*txEntry(nil), tx.entries...)
	tx.mu.Unlock()

	if err := tx.persist(entries); err != nil {
		return err
	}

	tx.env.mvccMgr.Commit(tx.tx)

	for _, e := range entries {
		n := e.db.routeNode(e.rec.KeyBytes())
		if n == nil {
			continue
		}
		n.Active().Upsert(e.rec.KeyBytes(), e.rec)
	}

	tx.mu.Lock()
	tx.done = true
	tx.mu.Unlock()
	return nil
}

// persist writes entries to the WAL: a single fixed-size row for a
// one-entry transaction (spec.md §4.7's single-statement path), or one
// BEGIN+rows batch per touched database otherwise.
func (tx *Transaction) persist(entries []*txEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		e := entries[0]
		return tx.env.appendWAL(e.rec.LSN, e.db.dsn, e.rec.Encode(), uint8(e.rec.Flags))
	}
	return tx.appendBatch(entries)
}

// appendBatch serializes entries as one BEGIN+rows group per touched
// database: wal.File.AppendBatch's row header carries a single dsn for
// the whole batch, so a transaction spanning multiple databases
// journals as one batch per database rather than one cross-database
// BEGIN block (noted in DESIGN.md).
func (tx *Transaction) appendBatch(entries []*txEntry) error {
	env := tx.env
	if !env.walEnabled {
		return nil
	}
	env.walMu.Lock()
	defer env.walMu.Unlock()

	order := make([]uint32, 0, 4)
	rows := make(map[uint32][][]byte)
	flags := make(map[uint32][]record.Flags)
	lsns := make(map[uint32]uint64)
	for _, e := range entries {
		dsn := e.db.dsn
		if _, ok := rows[dsn]; !ok {
			order = append(order, dsn)
			lsns[dsn] = e.rec.LSN
		}
		rows[dsn] = append(rows[dsn], e.rec.Encode())
		flags[dsn] = append(flags[dsn], e.rec.Flags)
	}
	for _, dsn := range order {
		if _, err := env.currentWAL.AppendBatch(lsns[dsn], dsn, rows[dsn], flags[dsn], env.walSync); err != nil {
			env.errs.record(3, err, true)
			return ErrMalfunction
		}
	}
	return nil
}

// Rollback implements spec.md §4.8's rollback(tx): unlinks every
// pending version without handing records back for persistence.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxState
	}
	tx.env.mvccMgr.Rollback(tx.tx)
	tx.done = true
	return nil
}
