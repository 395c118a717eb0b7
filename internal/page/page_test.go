package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/record"
)

func rec(key string, lsn uint64, value string, flags record.Flags) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte(key)}, []byte(value), lsn, flags)
}

func TestBuildThenOpenRoundTrips(t *testing.T) {
	b := Begin(true, nil, false)
	b.Add(rec("a", 1, "va", 0), 0)
	b.Add(rec("b", 2, "vb", 0), 0)
	b.Add(rec("c", 3, "vc", 0), record.FlagDelete)
	require.Equal(t, 3, b.Count())

	raw := b.Commit()

	r, err := Open(raw)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())
	require.Equal(t, "va", string(r.At(0).ValueBytes()))
	require.Equal(t, "vb", string(r.At(1).ValueBytes()))
	require.True(t, r.At(2).Flags.Has(record.FlagDelete))
	require.EqualValues(t, 1, r.Header().LSNMin)
	require.EqualValues(t, 3, r.Header().LSNMax)
}

func TestOpenAtBinarySearchPositionsCursor(t *testing.T) {
	b := Begin(false, nil, false)
	b.Add(rec("a", 1, "1", 0), 0)
	b.Add(rec("c", 2, "2", 0), 0)
	b.Add(rec("e", 3, "3", 0), 0)
	raw := b.Commit()

	r, err := Open(raw)
	require.NoError(t, err)

	keyOf := func(rr *record.Record) []byte { return rr.KeyBytes() }
	cmp := func(a, b []byte) int {
		return bytesCompare(a, b)
	}

	ok := r.OpenAt([]byte("c"), cmp, keyOf)
	require.True(t, ok)
	require.True(t, r.Has())
	require.Equal(t, "2", string(r.Of().ValueBytes()))

	r.Next()
	require.True(t, r.Has())
	require.Equal(t, "3", string(r.Of().ValueBytes()))

	r.Next()
	require.False(t, r.Has())
}

func TestOpenAtMissingKeyLandsOnNextGreater(t *testing.T) {
	b := Begin(false, nil, false)
	b.Add(rec("a", 1, "1", 0), 0)
	b.Add(rec("e", 2, "2", 0), 0)
	raw := b.Commit()

	r, err := Open(raw)
	require.NoError(t, err)
	keyOf := func(rr *record.Record) []byte { return rr.KeyBytes() }
	ok := r.OpenAt([]byte("c"), bytesCompare, keyOf)
	require.True(t, ok)
	require.Equal(t, "2", string(r.Of().ValueBytes()))
}

func TestOpenRejectsCorruptedBody(t *testing.T) {
	b := Begin(false, nil, false)
	b.Add(rec("a", 1, "v", 0), 0)
	raw := b.Commit()
	raw[len(raw)-1] ^= 0xFF // flip a body byte, breaking CRCData

	_, err := Open(raw)
	require.Error(t, err)
}

func TestKeyPoolInternDedupsIdenticalKeys(t *testing.T) {
	p := newKeyPool()
	a := p.intern([]byte("dup-key"))
	b := p.intern([]byte("dup-key"))
	c := p.intern([]byte("other"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
