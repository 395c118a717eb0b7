package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/record"
)

func newRec(value string) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte("k")}, []byte(value), 0, 0)
}

func TestSetThenGetOwnPendingVersion(t *testing.T) {
	m := New()
	tx := m.Begin(0)
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v1")))

	r, ok := m.Get(tx, 1, []byte("k"))
	require.True(t, ok)
	require.Equal(t, "v1", string(r.ValueBytes()))
}

func TestSetReplacesOwnPendingVersionInPlace(t *testing.T) {
	m := New()
	tx := m.Begin(0)
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v1")))
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v2")))

	require.Len(t, tx.log, 1)
	r, ok := m.Get(tx, 1, []byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", string(r.ValueBytes()))
}

func TestSecondTxWritingSameKeyQueuesBehindFirst(t *testing.T) {
	m := New()
	tx1 := m.Begin(0)
	tx2 := m.Begin(0)
	require.NoError(t, m.Set(tx1, 1, []byte("k"), newRec("a")))
	require.NoError(t, m.Set(tx2, 1, []byte("k"), newRec("b")))

	// tx2's Get only sees its own pending version.
	r, ok := m.Get(tx2, 1, []byte("k"))
	require.True(t, ok)
	require.Equal(t, "b", string(r.ValueBytes()))

	// tx2 is waiting behind tx1: its Prepare must yield ErrLock.
	err := m.Prepare(tx2, nil)
	require.ErrorIs(t, err, ErrLock)
	require.Equal(t, Lock, tx2.State())
}

func TestPrepareThenCommitClearsChain(t *testing.T) {
	m := New()
	tx := m.Begin(0)
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v1")))

	require.NoError(t, m.Prepare(tx, nil))
	require.Equal(t, Prepare, tx.State())

	out := m.Commit(tx)
	require.Len(t, out, 1)
	require.Equal(t, Commit, tx.State())

	_, ok := m.Get(tx, 1, []byte("k"))
	require.False(t, ok)
}

func TestCommitAbortsQueuedWaiters(t *testing.T) {
	m := New()
	tx1 := m.Begin(0)
	tx2 := m.Begin(0)
	require.NoError(t, m.Set(tx1, 1, []byte("k"), newRec("a")))
	require.NoError(t, m.Set(tx2, 1, []byte("k"), newRec("b")))

	require.NoError(t, m.Prepare(tx1, nil))
	m.Commit(tx1)

	// tx2's queued version is now aborted; its own Prepare must fail.
	err := m.Prepare(tx2, nil)
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, Rollback, tx2.State())
}

func TestRollbackUnlinksWithoutCommitting(t *testing.T) {
	m := New()
	tx := m.Begin(0)
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v1")))
	m.Rollback(tx)
	require.Equal(t, Rollback, tx.State())

	// Chain is empty again: a fresh transaction can write the key freely.
	tx2 := m.Begin(0)
	require.NoError(t, m.Set(tx2, 1, []byte("k"), newRec("v2")))
	require.NoError(t, m.Prepare(tx2, nil))
}

func TestPrepareCallbackCanForceRollback(t *testing.T) {
	m := New()
	tx := m.Begin(0)
	require.NoError(t, m.Set(tx, 1, []byte("k"), newRec("v1")))

	err := m.Prepare(tx, func(r *record.Record, db uint32) bool { return true })
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, Rollback, tx.State())
}

func TestCheckDeadlockDetectsCycle(t *testing.T) {
	m := New()
	tx1 := m.Begin(0)
	tx2 := m.Begin(0)

	require.NoError(t, m.Set(tx1, 1, []byte("a"), newRec("1")))
	require.NoError(t, m.Set(tx2, 1, []byte("b"), newRec("1")))
	// tx2 queues behind tx1 on key "a"; tx1 queues behind tx2 on key "b".
	require.NoError(t, m.Set(tx2, 1, []byte("a"), newRec("2")))
	require.NoError(t, m.Set(tx1, 1, []byte("b"), newRec("2")))

	require.ErrorIs(t, m.CheckDeadlock(tx1), ErrDeadlock)
}

func TestCheckDeadlockNoneWhenNoCycle(t *testing.T) {
	m := New()
	tx1 := m.Begin(0)
	tx2 := m.Begin(0)
	require.NoError(t, m.Set(tx1, 1, []byte("a"), newRec("1")))
	require.NoError(t, m.Set(tx2, 1, []byte("a"), newRec("2")))

	require.NoError(t, m.CheckDeadlock(tx2))
}

func TestNewSnapshotPinsVLSN(t *testing.T) {
	m := New()
	snap := m.NewSnapshot(42)
	require.EqualValues(t, 42, snap.VLSN)
}
