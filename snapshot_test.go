package sophia

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIsolatesFromWritesMadeAfterItWasTaken(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("v1"), []byte("k1")))

	snap := env.NewSnapshot()

	require.NoError(t, db.Set([]byte("v2"), []byte("k1")))

	got, err := snap.Get(db, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	got, err = db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestSnapshotVLSNMatchesCurrentLSNAtCreation(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("v1"), []byte("k1")))

	snap := env.NewSnapshot()
	require.Equal(t, env.seq.CurrentLSN(), snap.VLSN())
}

func TestSnapshotCursorSeesOnlyKeysVisibleAtPinTime(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("1"), []byte("a")))

	snap := env.NewSnapshot()
	require.NoError(t, db.Set([]byte("2"), []byte("b")))

	c := snap.Cursor(db, nil, nil, Forward)
	var keys []string
	for c.Valid() {
		keys = append(keys, string(c.Key()))
		c.Next()
	}
	require.Equal(t, []string{"a"}, keys)
}

func TestSnapshotDoesNotSeeKeyNotYetWrittenAtPinTime(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	snap := env.NewSnapshot()
	require.NoError(t, db.Set([]byte("v"), []byte("k1")))

	_, err = snap.Get(db, []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
}
