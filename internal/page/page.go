// Package page implements the sorted-page codec from spec.md §4.2/§6: a
// fixed 64-byte header, a repeated array of 5-byte record descriptors,
// then record bytes — optionally whole-page compressed, optionally with
// a content-addressed key pool at the tail for kv-format duplicate key
// sharing.
//
// Grounded on folio's page_build-equivalent staging-buffer pattern
// (folio builds a data buffer then patches the header in place once
// stats are known); generalised here into the three-stage Begin/Add/End
// API spec.md §4.2 names explicitly, plus Commit to freeze the result.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/jpl-au/sophia/internal/compression"
	"github.com/jpl-au/sophia/internal/crc"
	"github.com/jpl-au/sophia/internal/record"
)

// HeaderSize is the fixed on-disk page header size (spec.md §6).
const HeaderSize = 64

// DescriptorSize is the fixed per-record descriptor size (spec.md §6).
const DescriptorSize = 5

// DefaultSize is the default page-size bound (spec.md §4.2: 64 KiB).
const DefaultSize = 64 * 1024

// Header is the 64-byte page header.
type Header struct {
	CRC         uint32
	CRCData     uint32
	Count       uint32
	CountDup    uint32
	SizeOrigin  uint32
	SizeKeys    uint32
	Size        uint32
	LSNMin      uint64
	LSNMinDup   uint64
	LSNMax      uint64
	_           [8]byte
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.CRC)
	binary.LittleEndian.PutUint32(buf[4:], h.CRCData)
	binary.LittleEndian.PutUint32(buf[8:], h.Count)
	binary.LittleEndian.PutUint32(buf[12:], h.CountDup)
	binary.LittleEndian.PutUint32(buf[16:], h.SizeOrigin)
	binary.LittleEndian.PutUint32(buf[20:], h.SizeKeys)
	binary.LittleEndian.PutUint32(buf[24:], h.Size)
	binary.LittleEndian.PutUint64(buf[28:], h.LSNMin)
	binary.LittleEndian.PutUint64(buf[36:], h.LSNMinDup)
	binary.LittleEndian.PutUint64(buf[44:], h.LSNMax)
	return buf
}

// DecodeHeader parses a 64-byte page header.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("page: header too short")
	}
	h := &Header{
		CRC:        binary.LittleEndian.Uint32(buf[0:]),
		CRCData:    binary.LittleEndian.Uint32(buf[4:]),
		Count:      binary.LittleEndian.Uint32(buf[8:]),
		CountDup:   binary.LittleEndian.Uint32(buf[12:]),
		SizeOrigin: binary.LittleEndian.Uint32(buf[16:]),
		SizeKeys:   binary.LittleEndian.Uint32(buf[20:]),
		Size:       binary.LittleEndian.Uint32(buf[24:]),
		LSNMin:     binary.LittleEndian.Uint64(buf[28:]),
		LSNMinDup:  binary.LittleEndian.Uint64(buf[36:]),
		LSNMax:     binary.LittleEndian.Uint64(buf[44:]),
	}
	return h, nil
}

// Descriptor is a per-record 5-byte entry: offset into the body plus
// flags, per spec.md §6.
type Descriptor struct {
	Offset uint32
	Flags  record.Flags
}

func (d Descriptor) encode() []byte {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(buf, d.Offset)
	buf[4] = byte(d.Flags)
	return buf
}

func decodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Offset: binary.LittleEndian.Uint32(buf),
		Flags:  record.Flags(buf[4]),
	}
}

// keyPool is the per-Builder content-addressed key pool described in
// spec.md §4.2: identical key-part byte sequences across records in one
// build session share a single backing copy, looked up by xxh3 (the
// fastest of the three hash algorithms this codebase supports) with a
// byte-equality check to guard against collisions.
type keyPool struct {
	byHash map[uint64][]poolEntry
	buf    []byte
}

type poolEntry struct {
	offset int
	length int
}

func newKeyPool() *keyPool {
	return &keyPool{byHash: make(map[uint64][]poolEntry)}
}

// intern returns the pool offset of key, appending it if not already
// present.
func (p *keyPool) intern(key []byte) int {
	sum := xxh3.Hash(key)
	for _, e := range p.byHash[sum] {
		if e.length == len(key) && string(p.buf[e.offset:e.offset+e.length]) == string(key) {
			return e.offset
		}
	}
	off := len(p.buf)
	p.buf = append(p.buf, key...)
	p.byHash[sum] = append(p.byHash[sum], poolEntry{off, len(key)})
	return off
}

// Builder accumulates records into one page via Begin/Add/End/Commit
// (spec.md §4.2).
type Builder struct {
	crcEnabled   bool
	codec        compression.Codec
	poolKeys     bool
	pool         *keyPool
	descriptors  []Descriptor
	body         []byte
	hdr          Header
	maxValueSize uint32
	frozen       bool
}

// Begin starts a new page build session.
func Begin(crcEnabled bool, codec compression.Codec, poolKeys bool) *Builder {
	b := &Builder{crcEnabled: crcEnabled, codec: codec, poolKeys: poolKeys}
	if poolKeys {
		b.pool = newKeyPool()
	}
	return b
}

// Add appends one record's descriptor and payload to the staging
// buffers, folding its stats into the header totals.
func (b *Builder) Add(r *record.Record, extraFlags record.Flags) {
	flags := r.Flags | extraFlags
	offset := uint32(len(b.body))

	if b.poolKeys && r.Format == 0 { // FormatKV
		// Pool each key part; the record is still appended below with
		// its full encoding, key bytes included (pooling only dedups the
		// backing bytes referenced by the key pool, the body keeps the
		// authoritative encoding for Decode).
		for i := 0; i < r.NumParts(); i++ {
			b.pool.intern(r.Key(i))
		}
	}

	enc := r.Encode()
	b.body = append(b.body, enc...)

	b.descriptors = append(b.descriptors, Descriptor{Offset: offset, Flags: flags})

	b.hdr.Count++
	if flags.Has(record.FlagDup) {
		b.hdr.CountDup++
		if b.hdr.LSNMinDup == 0 || r.LSN < b.hdr.LSNMinDup {
			b.hdr.LSNMinDup = r.LSN
		}
	}
	if b.hdr.LSNMin == 0 || r.LSN < b.hdr.LSNMin {
		b.hdr.LSNMin = r.LSN
	}
	if r.LSN > b.hdr.LSNMax {
		b.hdr.LSNMax = r.LSN
	}
	b.hdr.SizeOrigin += uint32(len(enc))
	keySize := 0
	for i := 0; i < r.NumParts(); i++ {
		keySize += r.KeySize(i)
	}
	b.hdr.SizeKeys += uint32(keySize)
	if uint32(r.ValueSize()) > b.maxValueSize {
		b.maxValueSize = uint32(r.ValueSize())
	}
}

// Count returns the number of records added so far.
func (b *Builder) Count() int { return len(b.descriptors) }

// BodySize returns the current uncompressed body size in bytes,
// including descriptors, used by callers deciding when a page is full.
func (b *Builder) BodySize() int {
	return len(b.descriptors)*DescriptorSize + len(b.body)
}

// Built is a frozen page ready to be written.
type Built struct {
	Header      Header
	Descriptors []Descriptor
	Body        []byte // possibly compressed
	KeyPool     []byte
}

// End computes the data crc, optionally compresses the body, recomputes
// total size and the header crc.
func (b *Builder) End() *Built {
	descBytes := make([]byte, 0, len(b.descriptors)*DescriptorSize)
	for _, d := range b.descriptors {
		descBytes = append(descBytes, d.encode()...)
	}

	body := append(descBytes, b.body...)
	if b.poolKeys {
		body = append(body, b.pool.buf...)
	}

	b.hdr.CRCData = crc.Checksum(body)

	if b.codec != nil && b.codec.Kind() != compression.None {
		compressed := b.codec.Compress(nil, body)
		b.hdr.Size = uint32(HeaderSize + len(compressed))
		body = compressed
	} else {
		b.hdr.Size = uint32(HeaderSize + len(body))
	}

	hdrBytes := b.hdr.encode()
	// crc covers the header itself; zero the crc field's own bytes
	// during computation by hashing a copy with crc left at its
	// just-written (non-zero) prior value masked out.
	zeroed := make([]byte, HeaderSize)
	copy(zeroed, hdrBytes)
	zeroed[0], zeroed[1], zeroed[2], zeroed[3] = 0, 0, 0, 0
	b.hdr.CRC = crc.Checksum(zeroed)

	kp := b.pool
	var poolBytes []byte
	if kp != nil {
		poolBytes = kp.buf
	}

	return &Built{
		Header:      b.hdr,
		Descriptors: append([]Descriptor(nil), b.descriptors...),
		Body:        body,
		KeyPool:     poolBytes,
	}
}

// Commit freezes the builder, returning the encoded bytes ready for a
// single scatter-gather write (header || descriptors+body, the latter
// possibly compressed).
func (b *Builder) Commit() []byte {
	built := b.End()
	out := make([]byte, 0, HeaderSize+len(built.Body))
	out = append(out, built.Header.encode()...)
	out = append(out, built.Body...)
	b.frozen = true
	return out
}

// Reader iterates a decoded page's records for binary search and
// sequential scan (spec.md §4.2: open(order, key) / next() / has() /
// of()).
type Reader struct {
	hdr         *Header
	descriptors []Descriptor
	records     []*record.Record
	pos         int
}

// Open decodes a raw page (header+body, already decompressed by the
// caller using the database's codec) into a Reader.
func Open(raw []byte) (*Reader, error) {
	hdr, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	body := raw[HeaderSize:]
	if crc.Checksum(body) != hdr.CRCData {
		return nil, fmt.Errorf("page: body crc mismatch")
	}
	n := int(hdr.Count)
	if len(body) < n*DescriptorSize {
		return nil, fmt.Errorf("page: truncated descriptor array")
	}
	descs := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		descs[i] = decodeDescriptor(body[i*DescriptorSize:])
	}
	recBytes := body[n*DescriptorSize:]
	records := make([]*record.Record, n)
	for i, d := range descs {
		start := int(d.Offset)
		if start > len(recBytes) {
			return nil, fmt.Errorf("page: descriptor offset out of range")
		}
		r, err := record.Decode(recBytes[start:])
		if err != nil {
			return nil, fmt.Errorf("page: decode record %d: %w", i, err)
		}
		r.Flags = d.Flags
		records[i] = r
	}
	return &Reader{hdr: hdr, descriptors: descs, records: records}, nil
}

// Header returns the decoded page header.
func (r *Reader) Header() *Header { return r.hdr }

// Len returns the number of records in the page.
func (r *Reader) Len() int { return len(r.records) }

// At returns the record at position i.
func (r *Reader) At(i int) *record.Record { return r.records[i] }

// OpenAt performs a binary search for the first record whose key
// compares >= target under cmp, and positions the cursor there. Returns
// false if no such record exists in this page.
func (r *Reader) OpenAt(target []byte, cmp func(a, b []byte) int, keyOf func(*record.Record) []byte) bool {
	lo, hi := 0, len(r.records)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(keyOf(r.records[mid]), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	r.pos = lo
	return lo < len(r.records)
}

// Has reports whether the cursor currently points at a valid record.
func (r *Reader) Has() bool { return r.pos < len(r.records) }

// Of returns the record the cursor currently points at.
func (r *Reader) Of() *record.Record { return r.records[r.pos] }

// Next advances the cursor by one record.
func (r *Reader) Next() { r.pos++ }
