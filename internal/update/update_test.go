package update

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/record"
)

func lastWriteWins(_ record.Flags, _ []byte, _ record.Flags, next []byte, _ []byte) []byte {
	return next
}

func appendFolder(_ record.Flags, prev []byte, _ record.Flags, next []byte, _ []byte) []byte {
	return append(append([]byte{}, prev...), next...)
}

func baseRec(lsn uint64, value string) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte("k")}, []byte(value), lsn, 0)
}
func updateRec(lsn uint64, delta string) *record.Record {
	return record.New(record.FormatKV, [][]byte{[]byte("k")}, []byte(delta), lsn, record.FlagUpdate)
}

func TestFoldSingleBase(t *testing.T) {
	chain := []*record.Record{baseRec(1, "base")}
	require.Equal(t, "base", string(Fold(lastWriteWins, chain)))
}

func TestFoldBaseThenUpdates(t *testing.T) {
	chain := []*record.Record{baseRec(1, "b"), updateRec(2, "u1"), updateRec(3, "u2")}
	require.Equal(t, "b-u1-u2", foldJoined(t, chain))
}

func foldJoined(t *testing.T, chain []*record.Record) string {
	t.Helper()
	folder := func(_ record.Flags, prev []byte, _ record.Flags, next []byte, _ []byte) []byte {
		if len(prev) == 0 {
			return next
		}
		return append(append(append([]byte{}, prev...), '-'), next...)
	}
	return string(Fold(folder, chain))
}

func TestFoldLeadingDeleteIsEmptyBase(t *testing.T) {
	del := record.New(record.FormatKV, [][]byte{[]byte("k")}, nil, 1, record.FlagDelete)
	chain := []*record.Record{del, updateRec(2, "u1")}
	require.Equal(t, "u1", string(Fold(lastWriteWins, chain)))
}

func TestReadFoldReversesNewestFirstInput(t *testing.T) {
	// visible is supplied newest-first: update(3), update(2), base(1).
	visible := []*record.Record{updateRec(3, "u2"), updateRec(2, "u1"), baseRec(1, "b")}
	got := ReadFold(func(_ record.Flags, prev []byte, _ record.Flags, next []byte, _ []byte) []byte {
		if len(prev) == 0 {
			return next
		}
		return append(append(append([]byte{}, prev...), '-'), next...)
	}, visible)
	require.Equal(t, "b-u1-u2", string(got))
}

func TestReadFoldLastWriteWinsOnlyKeepsNewest(t *testing.T) {
	visible := []*record.Record{updateRec(3, "newest"), updateRec(2, "middle"), baseRec(1, "base")}
	got := ReadFold(lastWriteWins, visible)
	require.Equal(t, "newest", string(got))
}

func TestCompactFoldAllBelowVLSNCollapsesChain(t *testing.T) {
	chain := []*record.Record{baseRec(1, "b"), updateRec(2, "u")}
	out := CompactFold(lastWriteWins, chain, 100)
	require.Len(t, out, 1)
	require.False(t, out[0].Flags.Has(record.FlagUpdate))
	require.Equal(t, "u", string(out[0].ValueBytes()))
}

func TestCompactFoldAboveVLSNPreservesTail(t *testing.T) {
	chain := []*record.Record{baseRec(1, "b"), updateRec(2, "u1"), updateRec(1000, "u2")}
	out := CompactFold(lastWriteWins, chain, 5)
	// u2 (lsn 1000) is above the floor and must survive untouched.
	require.Equal(t, out[len(out)-1].LSN, uint64(1000))
	require.Equal(t, "u2", string(out[len(out)-1].ValueBytes()))
}

func TestCompactFoldEmptyChain(t *testing.T) {
	require.Nil(t, CompactFold(lastWriteWins, nil, 10))
}
