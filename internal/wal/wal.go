// Package wal implements the write-ahead log from spec.md §3/§4.7/§6: a
// pool of rotating log files, single-row and batch-header record
// framing, fsync policy, reference-counted GC of rotated files, and the
// recovery iterator used to replay records on open.
//
// Grounded on folio's write.go/read.go offset-tracked append path and
// corrupt_test.go's torn-tail tolerance, generalized from folio's single
// hash-table file to a rotating sequence of files identified by lfsn.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jpl-au/sophia/internal/crc"
	"github.com/jpl-au/sophia/internal/index"
	"github.com/jpl-au/sophia/internal/record"
)

// HeaderSize is the fixed log record header size (spec.md §6):
// u32 crc; u64 lsn; u32 dsn; u32 size; u8 flags.
const HeaderSize = 4 + 8 + 4 + 4 + 1

// Header is one log record's fixed framing, shared by single-row
// records and batch headers.
type Header struct {
	CRC   uint32
	LSN   uint64
	DSN   uint32
	Size  uint32
	Flags record.Flags
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.CRC)
	binary.LittleEndian.PutUint64(buf[4:], h.LSN)
	binary.LittleEndian.PutUint32(buf[12:], h.DSN)
	binary.LittleEndian.PutUint32(buf[16:], h.Size)
	buf[20] = byte(h.Flags)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		CRC:   binary.LittleEndian.Uint32(buf[0:]),
		LSN:   binary.LittleEndian.Uint64(buf[4:]),
		DSN:   binary.LittleEndian.Uint32(buf[12:]),
		Size:  binary.LittleEndian.Uint32(buf[16:]),
		Flags: record.Flags(buf[20]),
	}
}

// Path returns the file path for log file sequence number lfsn.
func Path(dir string, lfsn uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", lfsn))
}

// File is one rotating log file: append-only, with its own fsync
// policy and a reference count of records still pointing into it via
// record.Pointer back-references (spec.md §4.7's GC rule).
type File struct {
	mu   sync.Mutex
	LFSN uint64
	f    *os.File
	path string
	tail int64
	refs int64
}

// Create opens a brand-new log file, writing the version stamp spec.md
// §6 requires ("a file begins with a version stamp identical to the
// one inside the index header").
func Create(dir string, lfsn uint64) (*File, error) {
	path := Path(dir, lfsn)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", path, err)
	}
	lf := &File{LFSN: lfsn, f: f, path: path}
	if err := lf.writeStamp(); err != nil {
		f.Close()
		return nil, err
	}
	return lf, nil
}

// Open reopens an existing log file for recovery/append, validating its
// version stamp.
func Open(dir string, lfsn uint64) (*File, error) {
	path := Path(dir, lfsn)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	stamp := make([]byte, 11)
	if _, err := f.ReadAt(stamp, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: read version stamp %s: %w", path, err)
	}
	if binary.LittleEndian.Uint64(stamp[0:]) != index.FormatVersion.Magic ||
		stamp[8] != index.FormatVersion.A || stamp[9] != index.FormatVersion.B || stamp[10] != index.FormatVersion.C {
		f.Close()
		return nil, fmt.Errorf("wal: %s: version stamp mismatch", path)
	}
	lf := &File{LFSN: lfsn, f: f, path: path, tail: info.Size()}
	return lf, nil
}

func (lf *File) writeStamp() error {
	buf := make([]byte, 11)
	binary.LittleEndian.PutUint64(buf[0:], index.FormatVersion.Magic)
	buf[8], buf[9], buf[10] = index.FormatVersion.A, index.FormatVersion.B, index.FormatVersion.C
	if _, err := lf.f.WriteAt(buf, 0); err != nil {
		return err
	}
	lf.tail = int64(len(buf))
	return nil
}

// Path returns the file's path.
func (lf *File) Path() string { return lf.path }

// AddRef/Release implement spec.md §4.7's reference-counted rotated-
// file GC: a file is eligible for removal once refs reaches zero.
func (lf *File) AddRef()  { lf.mu.Lock(); lf.refs++; lf.mu.Unlock() }
func (lf *File) Release() { lf.mu.Lock(); lf.refs--; lf.mu.Unlock() }
func (lf *File) RefCount() int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.refs
}

// AppendSingle writes one single-row record: header + payload. The crc
// covers header-with-zeroed-crc plus payload (spec.md §3).
func (lf *File) AppendSingle(lsn uint64, dsn uint32, payload []byte, flags record.Flags, sync bool) (record.Pointer, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	h := Header{LSN: lsn, DSN: dsn, Size: uint32(len(payload)), Flags: flags}
	hb := h.encode()
	full := append(append([]byte{}, hb...), payload...)
	h.CRC = crc.Checksum(full)
	hb = h.encode()
	full = append(append([]byte{}, hb...), payload...)

	if _, err := lf.f.WriteAt(full, lf.tail); err != nil {
		return record.Pointer{}, err
	}
	lf.tail += int64(len(full))

	if sync {
		if err := lf.f.Sync(); err != nil {
			return record.Pointer{}, fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return record.Pointer{LogFileID: uint32(lf.LFSN), Valid: true}, nil
}

// AppendBatch writes a BEGIN header (flags=BEGIN, size=rowcount) then
// the rowcount single-row records it covers, per spec.md §3's batch
// framing. The crc of the batch header covers only the header.
func (lf *File) AppendBatch(lsn uint64, dsn uint32, rows [][]byte, rowFlags []record.Flags, sync bool) (record.Pointer, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	bh := Header{LSN: lsn, DSN: dsn, Size: uint32(len(rows)), Flags: record.FlagBegin}
	hb := bh.encode()
	zeroed := append([]byte{}, hb...)
	zeroed[0], zeroed[1], zeroed[2], zeroed[3] = 0, 0, 0, 0
	bh.CRC = crc.Checksum(zeroed)
	hb = bh.encode()

	if _, err := lf.f.WriteAt(hb, lf.tail); err != nil {
		return record.Pointer{}, err
	}
	lf.tail += int64(len(hb))

	for i, row := range rows {
		rh := Header{LSN: lsn, DSN: dsn, Size: uint32(len(row)), Flags: rowFlags[i]}
		rb := rh.encode()
		full := append(append([]byte{}, rb...), row...)
		rh.CRC = crc.Checksum(full)
		rb = rh.encode()
		full = append(append([]byte{}, rb...), row...)
		if _, err := lf.f.WriteAt(full, lf.tail); err != nil {
			return record.Pointer{}, err
		}
		lf.tail += int64(len(full))
	}

	if sync {
		if err := lf.f.Sync(); err != nil {
			return record.Pointer{}, fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return record.Pointer{LogFileID: uint32(lf.LFSN), Valid: true}, nil
}

// Sync flushes the file.
func (lf *File) Sync() error { return lf.f.Sync() }

// Close closes the underlying file handle.
func (lf *File) Close() error { return lf.f.Close() }

// Remove closes and deletes the file, used once RefCount() reaches
// zero (spec.md §4.7).
func (lf *File) Remove() error {
	lf.f.Close()
	return os.Remove(lf.path)
}

// Entry is one replayed log record, single-row or (if BatchRows != nil)
// the start of a batch with its constituent rows already collected.
type Entry struct {
	Header    Header
	Payload   []byte
	BatchRows []Entry // non-nil only for a BEGIN entry
}

// Iterator replays a single log file's records in order, stopping
// silently at a torn/partial tail (spec.md §4.14: "partial batch at
// file tail is ignored silently").
type Iterator struct {
	f    *os.File
	off  int64
	size int64
	err  error
}

// NewIterator opens dir/<lfsn>.log for sequential replay, positioned
// just after the version stamp.
func NewIterator(dir string, lfsn uint64) (*Iterator, error) {
	path := Path(dir, lfsn)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Iterator{f: f, off: 11, size: info.Size()}, nil
}

// Close releases the underlying file handle.
func (it *Iterator) Close() error { return it.f.Close() }

// Err returns the error, if any, that stopped iteration early. A clean
// end-of-file or a torn tail both report nil — per spec.md §4.14 both
// are silently tolerated, not failures.
func (it *Iterator) Err() error { return it.err }

// Next reads the next entry, returning false at end of file, at a torn
// tail, or on a malformed header / crc failure (all of which stop this
// file's replay per spec.md §4.14, without necessarily indicating
// Err() — only a genuine I/O error sets Err()).
func (it *Iterator) Next() (Entry, bool) {
	h, payload, ok := it.readOne()
	if !ok {
		return Entry{}, false
	}
	if h.Flags.Has(record.FlagBegin) {
		rowCount := h.Size
		rows := make([]Entry, 0, rowCount)
		for i := uint32(0); i < rowCount; i++ {
			rh, rp, ok := it.readOne()
			if !ok {
				// Torn batch tail: the whole batch is discarded.
				return Entry{}, false
			}
			rows = append(rows, Entry{Header: rh, Payload: rp})
		}
		return Entry{Header: h, BatchRows: rows}, true
	}
	return Entry{Header: h, Payload: payload}, true
}

func (it *Iterator) readOne() (Header, []byte, bool) {
	if it.off+HeaderSize > it.size {
		return Header{}, nil, false
	}
	hb := make([]byte, HeaderSize)
	if _, err := it.f.ReadAt(hb, it.off); err != nil {
		if err != io.EOF {
			it.err = err
		}
		return Header{}, nil, false
	}
	h := decodeHeader(hb)

	if h.Flags.Has(record.FlagBegin) {
		// Batch header: crc covers only the header, with crc zeroed.
		zeroed := append([]byte{}, hb...)
		zeroed[0], zeroed[1], zeroed[2], zeroed[3] = 0, 0, 0, 0
		if crc.Checksum(zeroed) != h.CRC {
			return Header{}, nil, false
		}
		it.off += HeaderSize
		return h, nil, true
	}

	if it.off+HeaderSize+int64(h.Size) > it.size {
		return Header{}, nil, false
	}
	payload := make([]byte, h.Size)
	if _, err := it.f.ReadAt(payload, it.off+HeaderSize); err != nil {
		if err != io.EOF {
			it.err = err
		}
		return Header{}, nil, false
	}
	full := append(append([]byte{}, hb...), payload...)
	full[0], full[1], full[2], full[3] = 0, 0, 0, 0
	if crc.Checksum(full) != h.CRC {
		return Header{}, nil, false
	}
	it.off += HeaderSize + int64(h.Size)
	return h, payload, true
}
