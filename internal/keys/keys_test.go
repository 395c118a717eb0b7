package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSchemaRequiresAtLeastOnePart(t *testing.T) {
	_, err := NewSchema()
	require.Error(t, err)
}

func TestAppendRefusedOnceSealed(t *testing.T) {
	s, err := NewSchema(Part{Name: "id", Type: PartString})
	require.NoError(t, err)

	require.NoError(t, s.Append(Part{Name: "ts", Type: PartU64}))

	s.Sealed = true
	err = s.Append(Part{Name: "extra", Type: PartString})
	require.Error(t, err)
}

func TestCompareString(t *testing.T) {
	s, err := NewSchema(Part{Name: "id", Type: PartString})
	require.NoError(t, err)

	a := Key{Parts: [][]byte{[]byte("alpha")}}
	b := Key{Parts: [][]byte{[]byte("beta")}}
	require.Negative(t, s.Compare(a, b))
	require.Positive(t, s.Compare(b, a))
	require.Zero(t, s.Compare(a, a))
}

func TestCompareU32Ascending(t *testing.T) {
	s, err := NewSchema(Part{Name: "n", Type: PartU32})
	require.NoError(t, err)

	a := Key{Parts: [][]byte{EncodeU32(1)}}
	b := Key{Parts: [][]byte{EncodeU32(2)}}
	require.Negative(t, s.Compare(a, b))
}

func TestCompareU32RevInvertsOrder(t *testing.T) {
	s, err := NewSchema(Part{Name: "n", Type: PartU32Rev})
	require.NoError(t, err)

	low := Key{Parts: [][]byte{EncodeU32(1)}}
	high := Key{Parts: [][]byte{EncodeU32(2)}}
	// Reversed ordering: the numerically larger value sorts first.
	require.Negative(t, s.Compare(high, low))
	require.Positive(t, s.Compare(low, high))
}

func TestCompareMultiPartStopsAtFirstDifference(t *testing.T) {
	s, err := NewSchema(Part{Name: "id", Type: PartString}, Part{Name: "ts", Type: PartU64})
	require.NoError(t, err)

	a := Key{Parts: [][]byte{[]byte("same"), EncodeU64(10)}}
	b := Key{Parts: [][]byte{[]byte("same"), EncodeU64(20)}}
	require.Negative(t, s.Compare(a, b))
}

func TestIsPrefixOfRequiresStringFirstPart(t *testing.T) {
	stringSchema, err := NewSchema(Part{Name: "id", Type: PartString})
	require.NoError(t, err)
	require.True(t, stringSchema.IsPrefixOf([]byte("al"), Key{Parts: [][]byte{[]byte("alpha")}}))
	require.False(t, stringSchema.IsPrefixOf([]byte("zz"), Key{Parts: [][]byte{[]byte("alpha")}}))

	numSchema, err := NewSchema(Part{Name: "n", Type: PartU32})
	require.NoError(t, err)
	require.False(t, numSchema.IsPrefixOf([]byte{0}, Key{Parts: [][]byte{EncodeU32(1)}}))
}

func TestKeyBytesDistinguishesPartBoundaries(t *testing.T) {
	k1 := Key{Parts: [][]byte{[]byte("ab"), []byte("c")}}
	k2 := Key{Parts: [][]byte{[]byte("a"), []byte("bc")}}
	require.NotEqual(t, k1.Bytes(), k2.Bytes())
}

func TestCompareKeyBytesInvertsRevPartsLikeCompare(t *testing.T) {
	s, err := NewSchema(Part{Name: "n", Type: PartU32Rev})
	require.NoError(t, err)

	low := Key{Parts: [][]byte{EncodeU32(1)}}.Bytes()
	high := Key{Parts: [][]byte{EncodeU32(2)}}.Bytes()

	// A raw byte compare would put low before high; the schema-aware
	// comparator must invert it, matching Schema.Compare on the
	// unjoined parts.
	require.Negative(t, s.CompareKeyBytes(high, low))
	require.Positive(t, s.CompareKeyBytes(low, high))
}

func TestCompareKeyBytesMultiPartStopsAtFirstDifference(t *testing.T) {
	s, err := NewSchema(Part{Name: "id", Type: PartString}, Part{Name: "ts", Type: PartU64Rev})
	require.NoError(t, err)

	a := Key{Parts: [][]byte{[]byte("same"), EncodeU64(10)}}.Bytes()
	b := Key{Parts: [][]byte{[]byte("same"), EncodeU64(20)}}.Bytes()
	// ts is Rev, so the larger timestamp sorts first despite joined
	// byte order saying otherwise.
	require.Positive(t, s.CompareKeyBytes(a, b))
}
