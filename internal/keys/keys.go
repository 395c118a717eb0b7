// Package keys implements multi-part key schemas and the part-by-part
// comparator described in spec.md §4.1.
//
// A database's schema is an ordered list of 1..N parts, each one of the
// five part types below. Keys compare part by part until a non-zero
// result; prefix comparison only applies to the first part, and only
// when that part is PartString.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PartType enumerates the five key-part types from spec.md §3.
type PartType int

const (
	PartString PartType = iota
	PartU32
	PartU32Rev
	PartU64
	PartU64Rev
)

// Part describes one ordered component of a database's key schema.
type Part struct {
	Name string
	Type PartType
}

// Schema is an ordered, non-empty list of key parts. It is fixed at
// database creation; spec.md's Non-goals permit only appending new parts
// before first open, which Schema.Append enforces by refusing to mutate
// once Sealed is set.
type Schema struct {
	Parts  []Part
	Sealed bool
}

// NewSchema builds a schema from an ordered part list.
func NewSchema(parts ...Part) (*Schema, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("keys: schema requires at least one part")
	}
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return &Schema{Parts: cp}, nil
}

// Append adds a new trailing part, only legal before the schema is sealed
// (i.e. before the owning database has been opened once).
func (s *Schema) Append(p Part) error {
	if s.Sealed {
		return fmt.Errorf("keys: cannot append part %q: schema sealed by first open", p.Name)
	}
	s.Parts = append(s.Parts, p)
	return nil
}

// Key is a decoded, in-memory multi-part key: one byte slice per part, in
// schema order.
type Key struct {
	Parts [][]byte
}

// Compare orders two keys part by part using the schema's per-part
// comparators, stopping at the first non-zero result.
func (s *Schema) Compare(a, b Key) int {
	n := len(s.Parts)
	if len(a.Parts) < n {
		n = len(a.Parts)
	}
	if len(b.Parts) < n {
		n = len(b.Parts)
	}
	for i := 0; i < n; i++ {
		if c := comparePart(s.Parts[i].Type, a.Parts[i], b.Parts[i]); c != 0 {
			return c
		}
	}
	return len(a.Parts) - len(b.Parts)
}

// IsPrefixOf reports whether prefix is a byte-prefix of the first part of
// key. Only valid when the schema's first part is PartString; any other
// first-part type returns false, matching spec.md's "prefix comparison
// applies only to the first part, which must be string".
func (s *Schema) IsPrefixOf(prefix []byte, key Key) bool {
	if len(s.Parts) == 0 || s.Parts[0].Type != PartString {
		return false
	}
	if len(key.Parts) == 0 {
		return len(prefix) == 0
	}
	return bytes.HasPrefix(key.Parts[0], prefix)
}

// CompareKeyBytes orders two joined key byte slices — the varint-length-
// prefixed part sequence produced by Key.Bytes and record.Record.KeyBytes
// — using this schema's per-part comparators, so routing and ordering
// see the same PartU32Rev/PartU64Rev inversion comparePart applies.
// Falls back to a plain byte comparison once a joined slice is too short
// to decode, which only happens for pre-schema sentinel bytes like a
// node's nil Min/Max probes.
func (s *Schema) CompareKeyBytes(a, b []byte) int {
	ra, rb := a, b
	for i := 0; i < len(s.Parts); i++ {
		pa, resta, oka := decodeJoinedPart(ra)
		pb, restb, okb := decodeJoinedPart(rb)
		if !oka || !okb {
			return bytes.Compare(a, b)
		}
		if c := comparePart(s.Parts[i].Type, pa, pb); c != 0 {
			return c
		}
		ra, rb = resta, restb
	}
	return bytes.Compare(ra, rb)
}

func decodeJoinedPart(buf []byte) (part, rest []byte, ok bool) {
	l, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)-n) < l {
		return nil, nil, false
	}
	return buf[n : n+int(l)], buf[n+int(l):], true
}

func comparePart(t PartType, a, b []byte) int {
	switch t {
	case PartString:
		return bytes.Compare(a, b)
	case PartU32:
		return compareUint(decodeU32(a), decodeU32(b))
	case PartU32Rev:
		return -compareUint(decodeU32(a), decodeU32(b))
	case PartU64:
		return compareUint(decodeU64(a), decodeU64(b))
	case PartU64Rev:
		return -compareUint(decodeU64(a), decodeU64(b))
	default:
		return bytes.Compare(a, b)
	}
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func decodeU32(b []byte) uint64 {
	if len(b) < 4 {
		var tmp [4]byte
		copy(tmp[:], b)
		return uint64(binary.BigEndian.Uint32(tmp[:]))
	}
	return uint64(binary.BigEndian.Uint32(b))
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		var tmp [8]byte
		copy(tmp[:], b)
		return binary.BigEndian.Uint64(tmp[:])
	}
	return binary.BigEndian.Uint64(b)
}

// EncodeU32 renders v in the big-endian, order-preserving form PartU32
// and PartU32Rev expect on disk.
func EncodeU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// EncodeU64 renders v in the big-endian, order-preserving form PartU64
// and PartU64Rev expect on disk.
func EncodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Bytes concatenates a key's parts into a single comparable byte slice
// used as the memtable's ordering key. Each part is written as a uvarint
// length prefix followed by its bytes, so equal-length prefixes of
// different parts never collide.
func (k Key) Bytes() []byte {
	var out []byte
	for _, p := range k.Parts {
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
		out = append(out, lenBuf[:n]...)
		out = append(out, p...)
	}
	return out
}
