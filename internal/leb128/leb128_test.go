package leb128

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutUvarintThenUvarintRoundTrips(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)} {
		buf := make([]byte, MaxLen)
		n := PutUvarint(buf, v)
		got, consumed := Uvarint(buf[:n])
		require.Equal(t, v, got)
		require.Equal(t, n, consumed)
	}
}

func TestAppendUvarintMatchesPutUvarint(t *testing.T) {
	for _, v := range []uint64{0, 42, 1 << 33} {
		appended := AppendUvarint(nil, v)
		buf := make([]byte, MaxLen)
		n := PutUvarint(buf, v)
		require.Equal(t, buf[:n], appended)
	}
}

func TestUvarintTruncatedInputReturnsZero(t *testing.T) {
	// A byte with the continuation bit set but nothing after it.
	got, n := Uvarint([]byte{0x80})
	require.Zero(t, got)
	require.Zero(t, n)
}

func TestReadUvarintOverIoByteReader(t *testing.T) {
	encoded := AppendUvarint(nil, 123456)
	r := bufio.NewReader(bytes.NewReader(encoded))
	v, err := ReadUvarint(r)
	require.NoError(t, err)
	require.EqualValues(t, 123456, v)
}

func TestReadUvarintPropagatesEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := ReadUvarint(r)
	require.Error(t, err)
}
