package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/record"
)

type sliceSource struct {
	keys []string
	recs []*record.Record
	pos  int
}

func (s *sliceSource) Valid() bool           { return s.pos < len(s.keys) }
func (s *sliceSource) Key() []byte           { return []byte(s.keys[s.pos]) }
func (s *sliceSource) Record() *record.Record { return s.recs[s.pos] }
func (s *sliceSource) Next()                 { s.pos++ }

func rec(lsn uint64, value string) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte("k")}, []byte(value), lsn, 0)
}

func newSource(keys []string, values []string, lsns []uint64) *sliceSource {
	recs := make([]*record.Record, len(keys))
	for i := range keys {
		recs[i] = rec(lsns[i], values[i])
	}
	return &sliceSource{keys: keys, recs: recs}
}

func TestMergeOrdersDistinctKeysAcrossSources(t *testing.T) {
	a := newSource([]string{"a", "c"}, []string{"va", "vc"}, []uint64{1, 1})
	b := newSource([]string{"b", "d"}, []string{"vb", "vd"}, []uint64{1, 1})

	m := New(a, b)
	var order []string
	for m.Next() {
		order = append(order, string(m.Key()))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestMergeNewestWinsOnTie(t *testing.T) {
	older := newSource([]string{"k"}, []string{"old"}, []uint64{1})
	newer := newSource([]string{"k"}, []string{"new"}, []uint64{5})

	m := New(older, newer)
	require.True(t, m.Next())
	require.Equal(t, "new", string(m.Record().ValueBytes()))
	require.False(t, m.Next())
}

func TestMergeAdvancesLosingSourceWithoutEmitting(t *testing.T) {
	older := newSource([]string{"k", "z"}, []string{"old", "last"}, []uint64{1, 1})
	newer := newSource([]string{"k"}, []string{"new"}, []uint64{5})

	m := New(older, newer)
	require.True(t, m.Next())
	require.Equal(t, "k", string(m.Key()))
	require.Equal(t, "new", string(m.Record().ValueBytes()))

	require.True(t, m.Next())
	require.Equal(t, "z", string(m.Key()))
	require.Equal(t, "last", string(m.Record().ValueBytes()))

	require.False(t, m.Next())
}

func TestMergeEmptySourcesIsImmediatelyExhausted(t *testing.T) {
	m := New()
	require.False(t, m.Next())
	require.Nil(t, m.Record())
}
