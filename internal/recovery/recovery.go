// Package recovery implements spec.md §4.14: repository validation,
// per-database drop/recover decision, node-directory classification and
// cleanup, the scheme file codec, and WAL replay on open.
//
// Grounded on folio's repair.go (scan-then-classify-then-fix pass over
// a directory of files) and corrupt_test.go (tolerating a torn tail),
// generalized from folio's single hash-table file to Sophia's directory
// of node files plus a scheme file plus a log directory.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/jpl-au/sophia/internal/crc"
	"github.com/jpl-au/sophia/internal/keys"
	"github.com/jpl-au/sophia/internal/wal"
)

// Repository validates/creates the root directory and recovers the last
// backup sequence number, per spec.md §4.14 step 1.
type Repository struct {
	Root       string
	BackupRoot string
}

// Open validates root (creating it if createIfMissing), and scans
// backupRoot (if non-empty) for the highest <bsn> directory name.
func Open(root string, createIfMissing bool, backupRoot string) (*Repository, uint32, error) {
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if !createIfMissing {
			return nil, 0, fmt.Errorf("recovery: repository root %s does not exist", root)
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, 0, fmt.Errorf("recovery: create root: %w", err)
		}
	case err != nil:
		return nil, 0, err
	case !info.IsDir():
		return nil, 0, fmt.Errorf("recovery: repository root %s is not a directory", root)
	}

	bsn, err := lastBackupSequence(backupRoot)
	if err != nil {
		return nil, 0, err
	}
	return &Repository{Root: root, BackupRoot: backupRoot}, bsn, nil
}

var bsnDirRE = regexp.MustCompile(`^(\d+)$`)

func lastBackupSequence(backupRoot string) (uint32, error) {
	if backupRoot == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(backupRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := bsnDirRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		if uint32(n) > max {
			max = uint32(n)
		}
	}
	return max, nil
}

// DropMarkerPath returns the path of a database's "drop" sentinel file.
func DropMarkerPath(dbDir string) string { return filepath.Join(dbDir, "drop") }

// ShouldRemove implements spec.md §4.14 step 2: if a drop marker is
// present and failOnDrop is false, the database directory tree should
// be removed wholesale instead of recovered.
func ShouldRemove(dbDir string, failOnDrop bool) (bool, error) {
	_, err := os.Stat(DropMarkerPath(dbDir))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if failOnDrop {
		return false, fmt.Errorf("recovery: database %s has a drop marker and fail_on_drop is set", dbDir)
	}
	return true, nil
}

// fileKind classifies one node-file-family member by suffix.
type fileKind int

const (
	kindFinal fileKind = iota
	kindIncomplete
	kindSeal
)

var nodeFileRE = regexp.MustCompile(`^(?:(\d+)\.)?(\d+)\.db(\.incomplete|\.seal)?$`)

// track is the per-node-id bookkeeping spec.md §4.14 step 3 describes:
// "for every file... mark flags in a track table".
type track struct {
	hasFinal      bool
	hasSeal       bool
	hasIncomplete bool
	parent        uint32
	sealPath      string
	incompletePath string
	finalPath     string
}

// ScanNodeDir implements spec.md §4.14 step 3: classifies every file in
// dbDir by suffix, deletes stray .incomplete files, discards any .seal
// whose own id already has a final <id>.db file, and promotes every
// other .seal by renaming it to <id>.db, removing its parent's final
// file if that still survives. Returns the sorted list of surviving
// node ids.
func ScanNodeDir(dbDir string) ([]uint32, error) {
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, err
	}

	tracks := make(map[uint32]*track)
	get := func(id uint32) *track {
		t, ok := tracks[id]
		if !ok {
			t = &track{}
			tracks[id] = t
		}
		return t
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := nodeFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id64, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)
		t := get(id)
		full := filepath.Join(dbDir, e.Name())
		switch m[3] {
		case "":
			t.hasFinal = true
			t.finalPath = full
		case ".incomplete":
			t.hasIncomplete = true
			t.incompletePath = full
			if m[1] != "" {
				p, _ := strconv.ParseUint(m[1], 10, 32)
				t.parent = uint32(p)
			}
		case ".seal":
			t.hasSeal = true
			t.sealPath = full
			if m[1] != "" {
				p, _ := strconv.ParseUint(m[1], 10, 32)
				t.parent = uint32(p)
			}
		}
	}

	var survivors []uint32
	for id, t := range tracks {
		if t.hasIncomplete {
			if err := os.Remove(t.incompletePath); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("recovery: remove stray incomplete %s: %w", t.incompletePath, err)
			}
		}
		switch {
		case t.hasSeal && t.hasFinal:
			// The seal's rename already completed under another id
			// before crash; this is the live parent, discard the seal.
			if err := os.Remove(t.sealPath); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("recovery: remove stray seal %s: %w", t.sealPath, err)
			}
			survivors = append(survivors, id)
		case t.hasSeal && !t.hasFinal:
			finalPath := filepath.Join(dbDir, fmt.Sprintf("%d.db", id))
			if err := os.Rename(t.sealPath, finalPath); err != nil {
				return nil, fmt.Errorf("recovery: promote seal %s: %w", t.sealPath, err)
			}
			survivors = append(survivors, id)
			if parent, ok := tracks[t.parent]; ok && parent.hasFinal && t.parent != id {
				if err := os.Remove(parent.finalPath); err != nil && !os.IsNotExist(err) {
					return nil, fmt.Errorf("recovery: remove superseded parent %s: %w", parent.finalPath, err)
				}
				parent.hasFinal = false
			}
		case t.hasFinal:
			survivors = append(survivors, id)
		}
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i] < survivors[j] })
	return survivors, nil
}

// SchemeEntry is one (type, id, bytes) tuple in a database's scheme
// file (spec.md §4.14 step 4).
type SchemeEntry struct {
	Type uint8
	ID   uint32
	Body []byte
}

// Scheme type tags.
const (
	SchemeName uint8 = iota
	SchemeFormat
	SchemeStorage
	SchemeKeySchema
	SchemeNodeSize
	SchemePageSize
	SchemeChecksum
	SchemeSync
	SchemeCompression
	SchemeCompressionKey
	SchemeDSN
)

// schemeDoc is the JSON-framed body the scheme file's crc-sealed blob
// wraps; goccy/go-json gives the same struct-tag ergonomics as
// encoding/json with lower allocation overhead on the hot open path.
type schemeDoc struct {
	Entries []SchemeEntry `json:"entries"`
}

// EncodeScheme serialises entries into the framed, crc-sealed blob
// spec.md §4.14 describes: 4-byte crc header followed by the JSON body.
func EncodeScheme(entries []SchemeEntry) ([]byte, error) {
	body, err := json.Marshal(schemeDoc{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("recovery: encode scheme: %w", err)
	}
	sum := crc.Checksum(body)
	out := make([]byte, 4+len(body))
	out[0] = byte(sum)
	out[1] = byte(sum >> 8)
	out[2] = byte(sum >> 16)
	out[3] = byte(sum >> 24)
	copy(out[4:], body)
	return out, nil
}

// DecodeScheme validates the crc and returns the entry list.
func DecodeScheme(buf []byte) ([]SchemeEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("recovery: scheme blob too short")
	}
	want := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	body := buf[4:]
	if crc.Checksum(body) != want {
		return nil, fmt.Errorf("recovery: scheme blob crc mismatch")
	}
	var doc schemeDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("recovery: decode scheme: %w", err)
	}
	return doc.Entries, nil
}

// SchemaFromEntries rebuilds a keys.Schema from a scheme file's
// SchemeKeySchema entry body (a JSON array of {name,type}).
func SchemaFromEntries(entries []SchemeEntry) (*keys.Schema, error) {
	for _, e := range entries {
		if e.Type != SchemeKeySchema {
			continue
		}
		var parts []struct {
			Name string `json:"name"`
			Type int    `json:"type"`
		}
		if err := json.Unmarshal(e.Body, &parts); err != nil {
			return nil, fmt.Errorf("recovery: decode key schema: %w", err)
		}
		kp := make([]keys.Part, len(parts))
		for i, p := range parts {
			kp[i] = keys.Part{Name: p.Name, Type: keys.PartType(p.Type)}
		}
		return keys.NewSchema(kp...)
	}
	return nil, fmt.Errorf("recovery: scheme missing key schema entry")
}

// ReplayHandler is called once per committed record during log replay,
// in file order, row order within a batch. lsn is the batch's own
// lsn (for BEGIN-framed batches) or the single row's lsn otherwise.
type ReplayHandler func(dsn uint32, payload []byte, flags uint8, lsn uint64) error

// ReplayLog implements spec.md §4.14 step 5: replays every log file in
// dir in ascending lfsn order, handing each committed row to handler.
// A torn tail (partial batch, malformed header, or crc failure) stops
// that file's replay silently and continues with the next file.
func ReplayLog(dir string, lfsns []uint32, handler ReplayHandler) error {
	for _, lfsn := range lfsns {
		if err := replayOne(dir, uint64(lfsn), handler); err != nil {
			return err
		}
	}
	return nil
}

func replayOne(dir string, lfsn uint64, handler ReplayHandler) error {
	it, err := wal.NewIterator(dir, lfsn)
	if err != nil {
		return fmt.Errorf("recovery: open log %d: %w", lfsn, err)
	}
	defer it.Close()

	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if e.BatchRows != nil {
			for _, row := range e.BatchRows {
				if err := handler(row.Header.DSN, row.Payload, uint8(row.Header.Flags), e.Header.LSN); err != nil {
					return err
				}
			}
			continue
		}
		if err := handler(e.Header.DSN, e.Payload, uint8(e.Header.Flags), e.Header.LSN); err != nil {
			return err
		}
	}
	return it.Err()
}
