package sophia

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/compression"
	"github.com/jpl-au/sophia/internal/keys"
	"github.com/jpl-au/sophia/internal/node"
	"github.com/jpl-au/sophia/internal/record"
)

func testEnv(t *testing.T, extra ...[2]string) *Environment {
	t.Helper()
	dir := t.TempDir()
	s := NewSettings().
		Set("sophia.path", dir).
		Set("sophia.path_create", "1").
		Set("log.enable", "0").
		Set("db.main.key.0", "id:string")
	for _, kv := range extra {
		s.Set(kv[0], kv[1])
	}
	env, err := Open(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Destroy() })
	return env
}

func TestSetThenGetRoundTrips(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	require.NoError(t, db.Set([]byte("hello"), []byte("k1")))
	got, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	_, err = db.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteHidesAPreviouslySetKey(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	require.NoError(t, db.Set([]byte("v"), []byte("k1")))
	require.NoError(t, db.Delete([]byte("k1")))

	_, err = db.Get([]byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFoldsThroughCustomFolder(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	// a folder that concatenates every delta onto the base value
	db.SetFolder(func(_ record.Flags, base []byte, _ record.Flags, delta []byte, _ []byte) []byte {
		return append(append([]byte{}, base...), delta...)
	})

	require.NoError(t, db.Set([]byte("base"), []byte("k1")))
	require.NoError(t, db.Update([]byte("-delta"), []byte("k1")))

	got, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("base-delta"), got)
}

func TestOpenDatabaseReturnsCachedInstanceOnSecondCall(t *testing.T) {
	env := testEnv(t)
	a, err := env.OpenDatabase("main")
	require.NoError(t, err)
	b, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestDropMarksDatabaseShutdownPending(t *testing.T) {
	env := testEnv(t)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	require.NoError(t, db.Drop())
	require.True(t, db.shutdownPending)
	require.True(t, db.schedDB.ShutdownPending)

	require.ErrorIs(t, db.Drop(), ErrDropped)
}

func TestCompressedDatabaseRoundTripsThroughABranchedPage(t *testing.T) {
	env := testEnv(t, [2]string{"db.main.compression", "zstd"})
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.Equal(t, compression.Zstd, db.codecKind)

	require.NoError(t, db.Set([]byte("v1"), []byte("k1")))
	require.NoError(t, db.Set([]byte("v2"), []byte("k2")))

	n := db.routeNode([]byte("k1"))
	require.NotNil(t, n)
	exec := &envExecutor{env: env, db: db}
	require.NoError(t, exec.Branch(context.Background(), n))
	require.Positive(t, n.BranchCount())

	got, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	got, err = db.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestU32RevSchemaRoutesAndRoundTripsThroughTheMemtable(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings().
		Set("sophia.path", dir).
		Set("sophia.path_create", "1").
		Set("log.enable", "0").
		Set("db.main.key.0", "id:u32rev")
	env, err := Open(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Destroy() })
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)

	for _, id := range []uint32{1, 3, 2} {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("v%d", id)), keys.EncodeU32(id)))
	}
	for _, id := range []uint32{1, 2, 3} {
		got, err := db.Get(keys.EncodeU32(id))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", id), string(got))
	}

	n := db.routeNode(keys.EncodeU32(1))
	require.NotNil(t, n)
	var order []uint32
	for it := n.Active().NewIter(nil); it.Has(); it.Next() {
		order = append(order, binary.BigEndian.Uint32(it.Key()))
	}
	require.Equal(t, []uint32{3, 2, 1}, order, "a u32rev key schema must order the node's write index by descending value")
}

func TestCompactSplitsSuccessorsByNodeSizeBoundaries(t *testing.T) {
	newDB := func(t *testing.T, nodeSize string) *Database {
		t.Helper()
		dir := t.TempDir()
		s := NewSettings().
			Set("sophia.path", dir).
			Set("sophia.path_create", "1").
			Set("log.enable", "0").
			Set("db.main.key.0", "id:string").
			Set("compaction.node_size", nodeSize).
			Set("compaction.page_size", "256")
		env, err := Open(s)
		require.NoError(t, err)
		t.Cleanup(func() { _ = env.Destroy() })
		db, err := env.OpenDatabase("main")
		require.NoError(t, err)
		return db
	}

	// Each record is ~1060 bytes on disk (a 1KiB value plus key/header
	// overhead); writing 8 of them puts a little over 8KiB through the
	// merge stream for every case below. Branch first so that stream size
	// comes from a real branch's recorded total_origin, the way
	// splitStream reads it (spec.md §4.12 step 2).
	val := make([]byte, 1024)
	seedAndCompact := func(t *testing.T, db *Database) *node.Node {
		t.Helper()
		for i := 0; i < 8; i++ {
			require.NoError(t, db.Set(val, []byte(fmt.Sprintf("k%02d", i))))
		}
		n := db.routeNode([]byte("k00"))
		require.NotNil(t, n)
		exec := &envExecutor{env: db.env, db: db}
		require.NoError(t, exec.Branch(context.Background(), n))
		require.Positive(t, n.BranchCount())

		next, err := exec.Compact(context.Background(), n)
		require.NoError(t, err)
		require.NotNil(t, next)
		return next
	}

	t.Run("remaining below node_size yields a single successor", func(t *testing.T) {
		db := newDB(t, "64MiB")
		n := seedAndCompact(t, db)
		require.Len(t, db.nodes, 1)
		require.Same(t, n, db.nodes[0])
	})

	t.Run("remaining within one to two node_size folds into one oversized successor", func(t *testing.T) {
		db := newDB(t, "6000")
		seedAndCompact(t, db)
		require.Len(t, db.nodes, 1)
	})

	t.Run("remaining past two node_size produces multiple successors", func(t *testing.T) {
		db := newDB(t, "3000")
		seedAndCompact(t, db)
		require.GreaterOrEqual(t, len(db.nodes), 2)

		for i := 0; i < 8; i++ {
			got, err := db.Get([]byte(fmt.Sprintf("k%02d", i)))
			require.NoError(t, err)
			require.Equal(t, val, got)
		}
	})
}

func TestWriteThenReopenEnvironmentRecoversViaWALReplay(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings().
		Set("sophia.path", dir).
		Set("sophia.path_create", "1").
		Set("log.enable", "1").
		Set("log.sync", "1").
		Set("db.main.key.0", "id:string")

	env, err := Open(s)
	require.NoError(t, err)
	db, err := env.OpenDatabase("main")
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("v1"), []byte("k1")))
	require.NoError(t, env.Destroy())

	env2, err := Open(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env2.Destroy() })
	db2, err := env2.OpenDatabase("main")
	require.NoError(t, err)

	got, err := db2.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}
