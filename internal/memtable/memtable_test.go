package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/record"
)

func rec(lsn uint64, flags record.Flags, value string) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte("k")}, []byte(value), lsn, flags)
}

func TestUpsertNewestBecomesHead(t *testing.T) {
	tr := New(nil)
	tr.Upsert([]byte("k"), rec(1, 0, "v1"))
	tr.Upsert([]byte("k"), rec(2, 0, "v2"))

	head, ok := tr.Get([]byte("k"))
	require.True(t, ok)
	require.EqualValues(t, 2, head.Record.LSN)
	require.Equal(t, "v2", string(head.Record.ValueBytes()))
	require.NotNil(t, head.Next)
	require.EqualValues(t, 1, head.Next.Record.LSN)
	require.True(t, head.Next.Record.Flags.Has(record.FlagDup))
	require.False(t, head.Record.Flags.Has(record.FlagDup))
}

func TestUpsertOutOfOrderInsertsByDescendingLSN(t *testing.T) {
	tr := New(nil)
	tr.Upsert([]byte("k"), rec(5, 0, "newest"))
	tr.Upsert([]byte("k"), rec(2, 0, "oldest"))
	tr.Upsert([]byte("k"), rec(3, 0, "middle"))

	head, ok := tr.Get([]byte("k"))
	require.True(t, ok)
	var lsns []uint64
	for v := head; v != nil; v = v.Next {
		lsns = append(lsns, v.Record.LSN)
	}
	require.Equal(t, []uint64{5, 3, 2}, lsns)
}

func TestGetMissingKey(t *testing.T) {
	tr := New(nil)
	_, ok := tr.Get([]byte("missing"))
	require.False(t, ok)
}

func TestVisibleReturnsNewestAtOrBelowVLSN(t *testing.T) {
	tr := New(nil)
	tr.Upsert([]byte("k"), rec(1, 0, "v1"))
	tr.Upsert([]byte("k"), rec(5, 0, "v5"))
	tr.Upsert([]byte("k"), rec(10, 0, "v10"))

	head, _ := tr.Get([]byte("k"))

	v := Visible(head, 7)
	require.NotNil(t, v)
	require.EqualValues(t, 5, v.Record.LSN)

	v = Visible(head, 0)
	require.Nil(t, v)

	v = Visible(head, 10)
	require.EqualValues(t, 10, v.Record.LSN)
}

func TestIterVisitsKeysInOrder(t *testing.T) {
	tr := New(nil)
	for _, k := range []string{"c", "a", "b"} {
		tr.Upsert([]byte(k), rec(1, 0, k))
	}

	it := tr.NewIter(nil)
	var keys []string
	for it.Has() {
		keys = append(keys, string(it.Key()))
		it.Next()
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestCountAndBytesTrackInsertions(t *testing.T) {
	tr := New(nil)
	require.Equal(t, 0, tr.Count())
	tr.Upsert([]byte("a"), rec(1, 0, "v"))
	tr.Upsert([]byte("b"), rec(1, 0, "v"))
	require.Equal(t, 2, tr.Count())
	require.Positive(t, tr.Bytes())
}
