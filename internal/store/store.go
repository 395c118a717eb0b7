// Package store implements the on-disk node file lifecycle from spec.md
// §4.4: create/seal/complete/rename, optional memory-mapped reads,
// fsync, and branch listing/validation on reopen.
//
// Create path (spec.md §4.4):
//
//	<dir>/<parent>.<id>.db.incomplete -> (write+sync) ->
//	<dir>/<parent>.<id>.db.seal -> (old node removed) ->
//	<dir>/<id>.db
//
// Grounded on folio's db.go Open/Close (temp-file-then-rename crash
// safety) and repair.go's offsetWriter (sequential WriterAt tracking).
// Branch framing adds one explicit block-type marker byte ahead of each
// page and ahead of each branch's index header — spec.md's §6 byte
// layout does not specify how a cold recovery scan tells a page header
// from an index header at an unknown offset without decoding both
// speculatively, so Sophia resolves that open question with a one-byte
// tag, recorded in DESIGN.md.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jpl-au/sophia/internal/compression"
	"github.com/jpl-au/sophia/internal/crc"
	"github.com/jpl-au/sophia/internal/index"
	"github.com/jpl-au/sophia/internal/page"
)

const (
	markerPage  byte = 0
	markerIndex byte = 1
)

// IncompletePath, SealPath and FinalPath name the three states a node
// file passes through while being created (spec.md §4.4).
func IncompletePath(dir string, parent, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d.db.incomplete", parent, id))
}
func SealPath(dir string, parent, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d.db.seal", parent, id))
}
func FinalPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.db", id))
}

// BranchMeta describes one on-disk branch: its identity, decoded index,
// and the absolute file offsets needed to re-read its pages.
type BranchMeta struct {
	ID          index.BranchID
	Header      *index.Header
	Index       *index.Reader
	PagesStart  int64
	IndexStart  int64
	Seal        index.Seal
}

// File is one node's on-disk file handle plus its branch chain,
// newest-first to match spec.md §3's "head is the most recent". codec
// is the owning database's configured page codec (spec.md §4.2/§6):
// every page in a node's file was compressed with it on write, so
// ReadPage must decompress with the same codec before handing the
// bytes to page.Open.
type File struct {
	path     string
	f        *os.File
	sync     bool
	mmap     *mmapping
	tail     int64
	codec    compression.Codec
	Branches []*BranchMeta
}

// Create opens a brand-new node file at its ".incomplete" path. codec
// may be nil, treated the same as the None codec.
func Create(dir string, parent, id uint32, sync bool, codec compression.Codec) (*File, error) {
	path := IncompletePath(dir, parent, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", path, err)
	}
	return &File{path: path, f: f, sync: sync, codec: codec}, nil
}

// Open opens an existing, already-final node file and recovers its
// branch chain by scanning from offset 0 (spec.md §4.4: "Recovery of a
// single node walks seals from file start"). codec may be nil, treated
// the same as the None codec.
func Open(dir string, id uint32, mmapEnabled bool, sync bool, codec compression.Codec) (*File, error) {
	path := FinalPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	nf := &File{path: path, f: f, sync: sync, codec: codec}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	nf.tail = info.Size()

	if mmapEnabled {
		m, err := newMapping(f, info.Size())
		if err == nil {
			nf.mmap = m
		}
	}

	branches, err := scanBranches(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: recover %s: %w", path, err)
	}
	// branches is oldest-first on disk; chain head is newest.
	for i, j := 0, len(branches)-1; i < j; i, j = i+1, j-1 {
		branches[i], branches[j] = branches[j], branches[i]
	}
	nf.Branches = branches
	return nf, nil
}

// Complete finishes the create path: rename incomplete->seal, remove
// oldPath (the node this one replaces, if any), rename seal->final. It
// does not fsync; AppendBranch syncs the file when sync is enabled.
// Pass oldPath == "" when no predecessor exists.
func Complete(dir string, parent, id uint32, oldPath string) error {
	if err := os.Rename(IncompletePath(dir, parent, id), SealPath(dir, parent, id)); err != nil {
		return fmt.Errorf("store: seal rename: %w", err)
	}
	if oldPath != "" {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: remove predecessor: %w", err)
		}
	}
	if err := os.Rename(SealPath(dir, parent, id), FinalPath(dir, id)); err != nil {
		return fmt.Errorf("store: final rename: %w", err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (nf *File) Sync() error { return nf.f.Sync() }

// Close releases the file handle and any mapping.
func (nf *File) Close() error {
	if nf.mmap != nil {
		nf.mmap.close()
	}
	return nf.f.Close()
}

// Path returns the file's current on-disk path.
func (nf *File) Path() string { return nf.path }

// AppendBranch writes a new branch — a sequence of already-built pages
// followed by its index block and seal — to the end of the file in a
// single pass, per spec.md §4.11's branching algorithm. It returns the
// branch's metadata so the caller can prepend it to the node's chain.
func (nf *File) AppendBranch(id index.BranchID, pages []*page.Built, minMax [][2][]byte) (*BranchMeta, error) {
	if len(pages) != len(minMax) {
		return nil, fmt.Errorf("store: page/minmax count mismatch")
	}
	pagesStart := nf.tail
	ib := index.Begin(uint64(pagesStart))

	for i, p := range pages {
		if err := nf.write(markerTagged(markerPage, encodePage(p))); err != nil {
			return nil, err
		}
		ib.Add(&p.Header, minMax[i][0], minMax[i][1])
	}

	indexStart := nf.tail
	built := ib.Commit(id, uint64(indexStart))

	if err := nf.write(markerTagged(markerIndex, built.Bytes)); err != nil {
		return nil, err
	}

	if nf.sync {
		if err := nf.f.Sync(); err != nil {
			return nil, fmt.Errorf("store: fsync: %w", err)
		}
	}

	idxReader, err := index.Open(built.Bytes[:len(built.Bytes)-index.SealSize])
	if err != nil {
		return nil, err
	}

	return &BranchMeta{
		ID:         id,
		Header:     &built.Header,
		Index:      idxReader,
		PagesStart: pagesStart,
		IndexStart: indexStart,
		Seal:       built.Seal,
	}, nil
}

func encodePage(p *page.Built) []byte {
	out := make([]byte, 0, page.HeaderSize+len(p.Body))
	out = append(out, headerBytes(p)...)
	out = append(out, p.Body...)
	return out
}

// headerBytes re-encodes a Built page's header using the same field
// order as page.Header's unexported encode method; duplicated here
// since store only needs write-path access to it.
func headerBytes(p *page.Built) []byte {
	h := p.Header
	buf := make([]byte, page.HeaderSize)
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

func markerTagged(marker byte, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, marker)
	out = append(out, body...)
	return out
}

func (nf *File) write(b []byte) error {
	if _, err := nf.f.WriteAt(b, nf.tail); err != nil {
		return err
	}
	nf.tail += int64(len(b))
	return nil
}

// ReadPage reads and decodes one page given its index entry, using the
// mmap region when enabled, otherwise a bounded pread. The body (but
// never the header) is decompressed with nf.codec before page.Open, to
// match how AppendBranch's page.Builder compressed it on the way in.
func (nf *File) ReadPage(entry index.PageEntry) (*page.Reader, error) {
	raw, err := nf.readAt(int64(entry.Offset)+1, int64(entry.Size))
	if err != nil {
		return nil, err
	}
	if nf.codec == nil || nf.codec.Kind() == compression.None {
		return page.Open(raw)
	}
	if len(raw) < page.HeaderSize {
		return nil, fmt.Errorf("store: short page read (%d bytes)", len(raw))
	}
	body, err := nf.codec.Decompress(nil, raw[page.HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("store: decompress page: %w", err)
	}
	decoded := make([]byte, 0, page.HeaderSize+len(body))
	decoded = append(decoded, raw[:page.HeaderSize]...)
	decoded = append(decoded, body...)
	return page.Open(decoded)
}

func (nf *File) readAt(offset, size int64) ([]byte, error) {
	if nf.mmap != nil && offset+size <= int64(len(nf.mmap.data)) {
		return nf.mmap.data[offset : offset+size], nil
	}
	buf := make([]byte, size)
	if _, err := nf.f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// scanBranches walks the file from offset 0, validating each branch's
// seal, and returns them oldest-first. It fails on the first invalid
// seal, per spec.md §4.4.
func scanBranches(f *os.File, size int64) ([]*BranchMeta, error) {
	var out []*BranchMeta
	var off int64

	for off < size {
		pagesStart := off

		for {
			marker := make([]byte, 1)
			if _, err := f.ReadAt(marker, off); err != nil {
				return nil, err
			}
			if marker[0] == markerIndex {
				break
			}
			if marker[0] != markerPage {
				return nil, fmt.Errorf("store: expected page marker at %d, got %d", off, marker[0])
			}
			hdrBuf := make([]byte, page.HeaderSize)
			if _, err := f.ReadAt(hdrBuf, off+1); err != nil {
				return nil, err
			}
			ph, err := page.DecodeHeader(hdrBuf)
			if err != nil {
				return nil, err
			}
			off += 1 + int64(ph.Size)
		}

		indexStart := off
		hdrBuf3 := make([]byte, index.HeaderSize)
		if _, err := f.ReadAt(hdrBuf3, off+1); err != nil {
			return nil, err
		}
		ih, err := index.DecodeHeader(hdrBuf3)
		if err != nil {
			return nil, err
		}
		blockSize := int64(ih.Size)
		blockBuf := make([]byte, blockSize)
		if _, err := f.ReadAt(blockBuf, off+1); err != nil {
			return nil, err
		}
		sealBuf := make([]byte, index.SealSize)
		if _, err := f.ReadAt(sealBuf, off+1+blockSize); err != nil {
			return nil, err
		}
		seal, err := index.DecodeSeal(sealBuf)
		if err != nil {
			return nil, err
		}

		zeroedHdr := append([]byte{}, blockBuf[:index.HeaderSize]...)
		zeroedHdr[0], zeroedHdr[1], zeroedHdr[2], zeroedHdr[3] = 0, 0, 0, 0
		zeroedSeal := append([]byte{}, sealBuf...)
		zeroedSeal[0], zeroedSeal[1], zeroedSeal[2], zeroedSeal[3] = 0, 0, 0, 0
		if !index.Validate(ih, zeroedHdr, seal, zeroedSeal) {
			return nil, fmt.Errorf("store: invalid seal for branch at offset %d", indexStart)
		}

		idxReader, err := index.Open(blockBuf)
		if err != nil {
			return nil, err
		}

		out = append(out, &BranchMeta{
			ID:         ih.ID,
			Header:     ih,
			Index:      idxReader,
			PagesStart: pagesStart,
			IndexStart: indexStart,
			Seal:       seal,
		})
		off = off + 1 + blockSize + index.SealSize
	}
	return out, nil
}

// Checksum re-exposes crc.Checksum for callers in the recovery package
// that need to validate standalone buffers read off disk (e.g. the
// scheme file) without importing internal/crc directly.
func Checksum(b []byte) uint32 { return crc.Checksum(b) }
