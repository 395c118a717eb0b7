// Package record implements the record layout from spec.md §3/§4.1: the
// unit of storage for both the kv and document formats, including the
// in-memory flags byte and its LEB128-encoded on-disk body.
//
// A record's key bytes, size and lsn are immutable once constructed;
// only flags mutate, and only during transaction lifecycle (spec.md §3
// invariant).
package record

import (
	"fmt"

	"github.com/jpl-au/sophia/internal/leb128"
)

// Flags is a bitset of the five record flags spec.md §3 names.
type Flags uint8

const (
	FlagDelete Flags = 1 << iota
	FlagUpdate
	FlagDup
	FlagAbort
	FlagBegin
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Format selects whether a record's value is an independent blob (kv) or
// self-describing with key parts laid out as offsets into it (document).
type Format int

const (
	FormatKV Format = iota
	FormatDocument
)

// Pointer identifies the WAL file a queued record lives in, set once the
// record has been handed to the log (spec.md §3).
type Pointer struct {
	LogFileID uint32
	Valid     bool
}

// Record is the in-memory representation of one version of a key.
type Record struct {
	Flags   Flags
	LSN     uint64
	Ptr     Pointer
	Format  Format
	Parts   [][]byte // key parts, schema order
	Value   []byte
	keysLen int // cached total key-byte length
}

// New builds a record from a scatter list of key parts plus a value
// blob, per spec.md §4.1's construction operation.
func New(format Format, parts [][]byte, value []byte, lsn uint64, flags Flags) *Record {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	cp := make([][]byte, len(parts))
	for i, p := range parts {
		b := make([]byte, len(p))
		copy(b, p)
		cp[i] = b
	}
	v := make([]byte, len(value))
	copy(v, value)
	return &Record{
		Flags:   flags,
		LSN:     lsn,
		Format:  format,
		Parts:   cp,
		Value:   v,
		keysLen: total,
	}
}

// Key returns the i'th key part.
func (r *Record) Key(i int) []byte { return r.Parts[i] }

// KeySize returns the byte length of the i'th key part.
func (r *Record) KeySize(i int) int { return len(r.Parts[i]) }

// NumParts returns the number of key parts in this record.
func (r *Record) NumParts() int { return len(r.Parts) }

// ValueBytes returns the record's value blob. For FormatDocument this is the
// whole self-describing document; for FormatKV it is independent of the
// key bytes.
func (r *Record) ValueBytes() []byte { return r.Value }

// ValueSize returns len(Value).
func (r *Record) ValueSize() int { return len(r.Value) }

// Size returns the record's encoded on-disk size, i.e. len(Encode()).
func (r *Record) Size() int { return len(r.Encode()) }

// KeyBytes concatenates the record's key parts into a single joined byte
// slice suitable as a memtable ordering key (mirrors keys.Key.Bytes but
// avoids importing the keys package into the hot write path).
func (r *Record) KeyBytes() []byte {
	var out []byte
	for _, p := range r.Parts {
		var lenBuf [leb128.MaxLen]byte
		n := leb128.PutUvarint(lenBuf[:], uint64(len(p)))
		out = append(out, lenBuf[:n]...)
		out = append(out, p...)
	}
	return out
}

// Encode serialises the record body: flags byte, leb128 lsn, format tag,
// leb128 part count, then per kv a leb128-length-prefixed part list
// followed by the value; per document, leb128-length-prefixed part
// *offsets* (into Value) followed by the raw Value bytes once.
func (r *Record) Encode() []byte {
	buf := make([]byte, 0, 32+len(r.Value)+r.keysLen)
	buf = append(buf, byte(r.Flags))
	buf = leb128.AppendUvarint(buf, r.LSN)
	buf = append(buf, byte(r.Format))
	buf = leb128.AppendUvarint(buf, uint64(len(r.Parts)))

	switch r.Format {
	case FormatDocument:
		// Store (offset,len) into Value for each part, then Value once.
		for _, p := range r.Parts {
			off := indexOf(r.Value, p)
			buf = leb128.AppendUvarint(buf, uint64(off))
			buf = leb128.AppendUvarint(buf, uint64(len(p)))
		}
		buf = leb128.AppendUvarint(buf, uint64(len(r.Value)))
		buf = append(buf, r.Value...)
	default: // FormatKV
		for _, p := range r.Parts {
			buf = leb128.AppendUvarint(buf, uint64(len(p)))
			buf = append(buf, p...)
		}
		buf = leb128.AppendUvarint(buf, uint64(len(r.Value)))
		buf = append(buf, r.Value...)
	}
	return buf
}

// Decode reverses Encode.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("record: truncated header")
	}
	r := &Record{Flags: Flags(buf[0])}
	buf = buf[1:]
	lsn, n := leb128.Uvarint(buf)
	if n == 0 {
		return nil, fmt.Errorf("record: truncated lsn")
	}
	r.LSN = lsn
	buf = buf[n:]
	if len(buf) < 1 {
		return nil, fmt.Errorf("record: truncated format")
	}
	r.Format = Format(buf[0])
	buf = buf[1:]
	count, n := leb128.Uvarint(buf)
	if n == 0 {
		return nil, fmt.Errorf("record: truncated part count")
	}
	buf = buf[n:]

	switch r.Format {
	case FormatDocument:
		type span struct{ off, len uint64 }
		spans := make([]span, count)
		for i := range spans {
			off, n := leb128.Uvarint(buf)
			if n == 0 {
				return nil, fmt.Errorf("record: truncated offset")
			}
			buf = buf[n:]
			ln, n := leb128.Uvarint(buf)
			if n == 0 {
				return nil, fmt.Errorf("record: truncated length")
			}
			buf = buf[n:]
			spans[i] = span{off, ln}
		}
		vlen, n := leb128.Uvarint(buf)
		if n == 0 {
			return nil, fmt.Errorf("record: truncated value length")
		}
		buf = buf[n:]
		if uint64(len(buf)) < vlen {
			return nil, fmt.Errorf("record: truncated value")
		}
		r.Value = buf[:vlen]
		r.Parts = make([][]byte, count)
		for i, sp := range spans {
			if sp.off+sp.len > uint64(len(r.Value)) {
				return nil, fmt.Errorf("record: part span out of range")
			}
			r.Parts[i] = r.Value[sp.off : sp.off+sp.len]
			r.keysLen += int(sp.len)
		}
	default:
		r.Parts = make([][]byte, count)
		for i := range r.Parts {
			ln, n := leb128.Uvarint(buf)
			if n == 0 {
				return nil, fmt.Errorf("record: truncated key part")
			}
			buf = buf[n:]
			if uint64(len(buf)) < ln {
				return nil, fmt.Errorf("record: key part overruns buffer")
			}
			r.Parts[i] = buf[:ln]
			r.keysLen += int(ln)
			buf = buf[ln:]
		}
		vlen, n := leb128.Uvarint(buf)
		if n == 0 {
			return nil, fmt.Errorf("record: truncated value length")
		}
		buf = buf[n:]
		if uint64(len(buf)) < vlen {
			return nil, fmt.Errorf("record: truncated value")
		}
		r.Value = buf[:vlen]
	}
	return r, nil
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return 0
}
