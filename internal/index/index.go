// Package index implements the per-branch index block codec from
// spec.md §4.3/§6: a fixed index header, one fixed entry per page, the
// packed (min_key, max_key) byte pairs, and the closing seal.
//
// The builder's three-call shape (Begin/Add/Commit) mirrors folio's
// header-then-patch pattern (folio's header.go computes the body first,
// then stamps a fixed-size header over it); here the header additionally
// carries a RoaringBitmap (github.com/RoaringBitmap/roaring/v2, pulled
// from erigon's go.mod) of page indices containing duplicate keys, so
// the planner's GC watermark check (dupkeys/keys >= gc_wm) doesn't need
// to rescan every page's header at plan time.
package index

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jpl-au/sophia/internal/crc"
	"github.com/jpl-au/sophia/internal/page"
)

// FormatVersion is the compile-time version stamp embedded in every
// index header and log file (spec.md §3: "File opens with a compile-time
// version stamp").
var FormatVersion = Version{Magic: 0x53504849, A: 1, B: 0, C: 0} // "SPHI"

// Version is the three-component version embedded alongside a magic
// number.
type Version struct {
	Magic uint64
	A, B, C uint8
}

// BranchID identifies a branch: the node it was produced for (parent)
// and its own id, plus a small flags byte.
type BranchID struct {
	Parent uint32
	ID     uint32
	Flags  uint8
}

// HeaderSize is the fixed on-disk index header size (spec.md §6, summed).
const HeaderSize = 4 + 11 + 9 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 8 + 4 + 32

// Header is the per-branch index header (spec.md §3/§6).
type Header struct {
	CRC         uint32
	Version     Version
	ID          BranchID
	Offset      uint64
	Size        uint32
	SizeVMax    uint32
	Count       uint32
	Keys        uint32
	Total       uint64
	TotalOrigin uint64
	TSMin       uint32
	LSNMin      uint64
	LSNMax      uint64
	DupKeys     uint32
	DupMin      uint64
	Extension   uint32
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	i := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[i:], v); i += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[i:], v); i += 8 }
	putU8 := func(v uint8) { buf[i] = v; i++ }

	putU32(h.CRC)
	putU64(h.Version.Magic)
	putU8(h.Version.A)
	putU8(h.Version.B)
	putU8(h.Version.C)
	putU32(h.ID.Parent)
	putU32(h.ID.ID)
	putU8(h.ID.Flags)
	putU64(h.Offset)
	putU32(h.Size)
	putU32(h.SizeVMax)
	putU32(h.Count)
	putU32(h.Keys)
	putU64(h.Total)
	putU64(h.TotalOrigin)
	putU32(h.TSMin)
	putU64(h.LSNMin)
	putU64(h.LSNMax)
	putU32(h.DupKeys)
	putU64(h.DupMin)
	putU32(h.Extension)
	i += 32 // reserve
	return buf[:HeaderSize]
}

// DecodeHeader parses a HeaderSize-byte index header.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("index: header too short")
	}
	h := &Header{}
	i := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[i:]); i += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[i:]); i += 8; return v }
	getU8 := func() uint8 { v := buf[i]; i++; return v }

	h.CRC = getU32()
	h.Version.Magic = getU64()
	h.Version.A = getU8()
	h.Version.B = getU8()
	h.Version.C = getU8()
	h.ID.Parent = getU32()
	h.ID.ID = getU32()
	h.ID.Flags = getU8()
	h.Offset = getU64()
	h.Size = getU32()
	h.SizeVMax = getU32()
	h.Count = getU32()
	h.Keys = getU32()
	h.Total = getU64()
	h.TotalOrigin = getU64()
	h.TSMin = getU32()
	h.LSNMin = getU64()
	h.LSNMax = getU64()
	h.DupKeys = getU32()
	h.DupMin = getU64()
	h.Extension = getU32()
	return h, nil
}

// PageEntry is one per-page entry in the index block (spec.md §6).
type PageEntry struct {
	Offset      uint64
	OffsetIndex uint32
	Size        uint32
	SizeOrigin  uint32
	SizeMin     uint16
	SizeMax     uint16
	LSNMin      uint64
	LSNMax      uint64
}

const PageEntrySize = 8 + 4 + 4 + 4 + 2 + 2 + 8 + 8

func (e PageEntry) encode() []byte {
	buf := make([]byte, PageEntrySize)
	binary.LittleEndian.PutUint64(buf[0:], e.Offset)
	binary.LittleEndian.PutUint32(buf[8:], e.OffsetIndex)
	binary.LittleEndian.PutUint32(buf[12:], e.Size)
	binary.LittleEndian.PutUint32(buf[16:], e.SizeOrigin)
	binary.LittleEndian.PutUint16(buf[20:], e.SizeMin)
	binary.LittleEndian.PutUint16(buf[22:], e.SizeMax)
	binary.LittleEndian.PutUint64(buf[24:], e.LSNMin)
	binary.LittleEndian.PutUint64(buf[32:], e.LSNMax)
	return buf
}

func decodePageEntry(buf []byte) PageEntry {
	return PageEntry{
		Offset:      binary.LittleEndian.Uint64(buf[0:]),
		OffsetIndex: binary.LittleEndian.Uint32(buf[8:]),
		Size:        binary.LittleEndian.Uint32(buf[12:]),
		SizeOrigin:  binary.LittleEndian.Uint32(buf[16:]),
		SizeMin:     binary.LittleEndian.Uint16(buf[20:]),
		SizeMax:     binary.LittleEndian.Uint16(buf[22:]),
		LSNMin:      binary.LittleEndian.Uint64(buf[24:]),
		LSNMax:      binary.LittleEndian.Uint64(buf[32:]),
	}
}

// Seal is the fixed-size footer proving the index block is consistent
// and positioned correctly (spec.md §3/§4.3/§6).
type Seal struct {
	CRC         uint32
	IndexCRC    uint32
	IndexOffset uint64
}

const SealSize = 16

func (s Seal) encode() []byte {
	buf := make([]byte, SealSize)
	binary.LittleEndian.PutUint32(buf[0:], s.CRC)
	binary.LittleEndian.PutUint32(buf[4:], s.IndexCRC)
	binary.LittleEndian.PutUint64(buf[8:], s.IndexOffset)
	return buf
}

// DecodeSeal parses a SealSize-byte seal.
func DecodeSeal(buf []byte) (Seal, error) {
	if len(buf) < SealSize {
		return Seal{}, fmt.Errorf("index: seal too short")
	}
	return Seal{
		CRC:         binary.LittleEndian.Uint32(buf[0:]),
		IndexCRC:    binary.LittleEndian.Uint32(buf[4:]),
		IndexOffset: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// entry pairs a PageEntry with its packed min/max key bytes, kept
// together while building so Commit can lay pages out contiguously.
type entry struct {
	pe       PageEntry
	min, max []byte
}

// Builder accumulates per-page entries for one branch's index block.
type Builder struct {
	fileOffset uint64
	entries    []entry
	dupPages   *roaring.Bitmap
	totalKeys  uint32
	dupKeys    uint32
	dupMin     uint64
	lsnMin     uint64
	lsnMax     uint64
	total      uint64
	totalOrig  uint64
}

// Begin starts a new index build session at the given file offset (the
// byte position where pages began being appended for this branch).
func Begin(fileOffset uint64) *Builder {
	return &Builder{fileOffset: fileOffset, dupPages: roaring.New()}
}

// Add records one page's header plus its packed min/max key.
func (b *Builder) Add(ph *page.Header, minKey, maxKey []byte) {
	pageIdx := uint32(len(b.entries))
	pe := PageEntry{
		Offset:     b.fileOffset,
		Size:       ph.Size,
		SizeOrigin: ph.SizeOrigin,
		SizeMin:    clampU16(len(minKey)),
		SizeMax:    clampU16(len(maxKey)),
		LSNMin:     ph.LSNMin,
		LSNMax:     ph.LSNMax,
	}
	b.fileOffset += uint64(ph.Size)
	b.entries = append(b.entries, entry{pe: pe, min: minKey, max: maxKey})

	b.totalKeys += ph.Count
	b.total += uint64(ph.Size)
	b.totalOrig += uint64(ph.SizeOrigin)
	if ph.CountDup > 0 {
		b.dupPages.Add(pageIdx)
		b.dupKeys += ph.CountDup
		if b.dupMin == 0 || ph.LSNMinDup < b.dupMin {
			b.dupMin = ph.LSNMinDup
		}
	}
	if b.lsnMin == 0 || ph.LSNMin < b.lsnMin {
		b.lsnMin = ph.LSNMin
	}
	if ph.LSNMax > b.lsnMax {
		b.lsnMax = ph.LSNMax
	}
}

func clampU16(n int) uint16 {
	if n > 0xffff {
		return 0xffff
	}
	return uint16(n)
}

// Built is a frozen index block plus its seal, ready to be appended to
// a node's file immediately after the last page it describes.
type Built struct {
	Header   Header
	Entries  []PageEntry
	Keys     [][2][]byte // packed (min,max) per page, same order as Entries
	DupPages *roaring.Bitmap
	Seal     Seal
	Bytes    []byte // header || entries || packed keys, ready to write
}

// Commit fixes header stats, stamps the version/crc, writes the packed
// min/max keys and produces the closing seal. id is this branch's own
// identity (parent node id, branch id).
func (b *Builder) Commit(id BranchID, indexBlockOffset uint64) *Built {
	for i := range b.entries {
		b.entries[i].pe.OffsetIndex = uint32(i)
	}

	var body []byte
	entries := make([]PageEntry, len(b.entries))
	keys := make([][2][]byte, len(b.entries))
	for i, e := range b.entries {
		entries[i] = e.pe
		keys[i] = [2][]byte{e.min, e.max}
	}
	for _, e := range entries {
		body = append(body, e.encode()...)
	}
	for _, k := range keys {
		body = append(body, k[0]...)
		body = append(body, k[1]...)
	}

	hdr := Header{
		Version:     FormatVersion,
		ID:          id,
		Offset:      indexBlockOffset,
		Size:        uint32(HeaderSize + len(body)),
		Count:       uint32(len(b.entries)),
		Keys:        b.totalKeys,
		Total:       b.total,
		TotalOrigin: b.totalOrig,
		LSNMin:      b.lsnMin,
		LSNMax:      b.lsnMax,
		DupKeys:     b.dupKeys,
		DupMin:      b.dupMin,
	}
	hdrBytes := hdr.encode()
	zeroed := append([]byte{}, hdrBytes...)
	zeroed[0], zeroed[1], zeroed[2], zeroed[3] = 0, 0, 0, 0
	hdr.CRC = crc.Checksum(zeroed)
	hdrBytes = hdr.encode()
	full := append(append([]byte{}, hdrBytes...), body...)

	seal := Seal{
		IndexCRC:    hdr.CRC,
		IndexOffset: indexBlockOffset,
	}
	sealBytes := seal.encode()
	zeroedSeal := append([]byte{}, sealBytes...)
	zeroedSeal[0], zeroedSeal[1], zeroedSeal[2], zeroedSeal[3] = 0, 0, 0, 0
	seal.CRC = crc.Checksum(zeroedSeal)

	return &Built{
		Header:   hdr,
		Entries:  entries,
		Keys:     keys,
		DupPages: b.dupPages,
		Seal:     seal,
		Bytes:    append(full, seal.encode()...),
	}
}

// Validate implements spec.md §4.3's seal rule:
//
//	seal.crc == crc(seal_head_fields) AND
//	index.crc == recompute(index_header_bytes) AND
//	seal.index_offset == index.offset
func Validate(hdr *Header, hdrRawWithZeroedCRC []byte, seal Seal, sealRawWithZeroedCRC []byte) bool {
	if crc.Checksum(sealRawWithZeroedCRC) != seal.CRC {
		return false
	}
	if crc.Checksum(hdrRawWithZeroedCRC) != hdr.CRC {
		return false
	}
	return seal.IndexOffset == hdr.Offset
}

// Reader iterates a decoded index block for range lookup, with the same
// ordering semantics as page.Reader.
type Reader struct {
	hdr     *Header
	entries []PageEntry
	keys    [][2][]byte
	pos     int
}

// Open decodes an index block (without its trailing seal).
func Open(buf []byte) (*Reader, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	body := buf[HeaderSize:]
	n := int(hdr.Count)
	if len(body) < n*PageEntrySize {
		return nil, fmt.Errorf("index: truncated entry array")
	}
	entries := make([]PageEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = decodePageEntry(body[i*PageEntrySize:])
	}
	rest := body[n*PageEntrySize:]
	keys := make([][2][]byte, n)
	off := 0
	for i, e := range entries {
		if off+int(e.SizeMin)+int(e.SizeMax) > len(rest) {
			return nil, fmt.Errorf("index: truncated key pool")
		}
		min := rest[off : off+int(e.SizeMin)]
		off += int(e.SizeMin)
		max := rest[off : off+int(e.SizeMax)]
		off += int(e.SizeMax)
		keys[i] = [2][]byte{min, max}
	}
	return &Reader{hdr: hdr, entries: entries, keys: keys}, nil
}

// Header returns the decoded index header.
func (r *Reader) Header() *Header { return r.hdr }

// Len returns the number of page entries.
func (r *Reader) Len() int { return len(r.entries) }

// Entry returns the i'th page entry.
func (r *Reader) Entry(i int) PageEntry { return r.entries[i] }

// MinMax returns the packed (min,max) key bytes for page i.
func (r *Reader) MinMax(i int) ([]byte, []byte) { return r.keys[i][0], r.keys[i][1] }

// OpenAt finds the first page whose max key is >= target under cmp, the
// standard "which page could this key be in" binary search.
func (r *Reader) OpenAt(target []byte, cmp func(a, b []byte) int) bool {
	lo, hi := 0, len(r.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(r.keys[mid][1], target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	r.pos = lo
	return lo < len(r.entries)
}

func (r *Reader) Has() bool { return r.pos < len(r.entries) }
func (r *Reader) Of() PageEntry { return r.entries[r.pos] }
func (r *Reader) Next() { r.pos++ }
