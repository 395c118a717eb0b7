package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/page"
)

func ph(count, countDup uint32, size uint32, lsnMin, lsnMinDup, lsnMax uint64) *page.Header {
	return &page.Header{
		Count: count, CountDup: countDup, Size: size,
		LSNMin: lsnMin, LSNMinDup: lsnMinDup, LSNMax: lsnMax,
	}
}

func TestBuildThenOpenAndSeal(t *testing.T) {
	b := Begin(0)
	b.Add(ph(2, 0, 100, 1, 0, 2), []byte("a"), []byte("b"))
	b.Add(ph(3, 1, 120, 3, 3, 5), []byte("c"), []byte("e"))

	built := b.Commit(BranchID{Parent: 1, ID: 9}, 220)
	require.EqualValues(t, 2, built.Header.Count)
	require.EqualValues(t, 5, built.Header.Keys)
	require.EqualValues(t, 1, built.Header.DupKeys)

	blockBytes := built.Bytes[:len(built.Bytes)-SealSize]
	r, err := Open(blockBytes)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())
	min0, max0 := r.MinMax(0)
	require.Equal(t, "a", string(min0))
	require.Equal(t, "b", string(max0))
	min1, max1 := r.MinMax(1)
	require.Equal(t, "c", string(min1))
	require.Equal(t, "e", string(max1))
}

func TestOpenAtFindsContainingPage(t *testing.T) {
	b := Begin(0)
	b.Add(ph(1, 0, 10, 1, 0, 1), []byte("a"), []byte("d"))
	b.Add(ph(1, 0, 10, 2, 0, 2), []byte("e"), []byte("h"))
	built := b.Commit(BranchID{ID: 1}, 20)

	blockBytes := built.Bytes[:len(built.Bytes)-SealSize]
	r, err := Open(blockBytes)
	require.NoError(t, err)

	cmp := func(a, b []byte) int {
		switch {
		case string(a) < string(b):
			return -1
		case string(a) > string(b):
			return 1
		default:
			return 0
		}
	}

	ok := r.OpenAt([]byte("f"), cmp)
	require.True(t, ok)
	require.True(t, r.Has())
	e := r.Of()
	require.EqualValues(t, 10, e.Size)

	ok = r.OpenAt([]byte("z"), cmp)
	require.False(t, ok)
}

func TestValidateDetectsTamperedSeal(t *testing.T) {
	b := Begin(0)
	b.Add(ph(1, 0, 10, 1, 0, 1), []byte("a"), []byte("b"))
	built := b.Commit(BranchID{ID: 1}, 10)

	blockBytes := built.Bytes[:len(built.Bytes)-SealSize]
	zeroedHdr := append([]byte{}, blockBytes[:HeaderSize]...)
	zeroedHdr[0], zeroedHdr[1], zeroedHdr[2], zeroedHdr[3] = 0, 0, 0, 0

	sealBytes := built.Bytes[len(built.Bytes)-SealSize:]
	zeroedSeal := append([]byte{}, sealBytes...)
	zeroedSeal[0], zeroedSeal[1], zeroedSeal[2], zeroedSeal[3] = 0, 0, 0, 0

	require.True(t, Validate(&built.Header, zeroedHdr, built.Seal, zeroedSeal))

	tamperedSeal := built.Seal
	tamperedSeal.IndexOffset++
	require.False(t, Validate(&built.Header, zeroedHdr, tamperedSeal, zeroedSeal))
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 4))
	require.Error(t, err)
}

func TestDecodeSealRejectsShortBuffer(t *testing.T) {
	_, err := DecodeSeal(make([]byte, 4))
	require.Error(t, err)
}
