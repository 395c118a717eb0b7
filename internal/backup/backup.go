// Package backup implements the backup state machine from spec.md
// §4.13: Armed -> CreatingDirs -> Copying -> Finalizing -> Complete,
// copying node files byte-for-byte plus each database's scheme file and
// every rotated log file, then renaming the incomplete backup directory
// into place.
//
// Grounded on folio's rename.go crash-safe temp-then-rename pattern,
// generalized from a single file rename to a whole directory tree.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/blake2b"
)

// State is one step of the backup state machine.
type State int

const (
	Armed State = iota
	CreatingDirs
	Copying
	Finalizing
	Complete
)

// Manifest records one checksum per copied file, so a restored backup
// can be verified without re-reading every source node file.
type Manifest struct {
	BSN      uint32
	Files    map[string][32]byte // path relative to the backup dir -> blake2b-256
}

// Job drives one backup attempt end to end.
type Job struct {
	Root   string // backup_root
	BSN    uint32
	DBs    map[string]DatabaseFiles
	Logs   []string // absolute paths of rotated log files to copy

	state    State
	manifest Manifest
}

// DatabaseFiles is what a Job needs from one database to back it up:
// its node files and its scheme file, all absolute paths.
type DatabaseFiles struct {
	Name       string
	NodeFiles  []string
	SchemePath string
}

// IncompleteDir and FinalDir name a backup's two path states.
func IncompleteDir(root string, bsn uint32) string {
	return filepath.Join(root, fmt.Sprintf("%d.incomplete", bsn))
}
func FinalDir(root string, bsn uint32) string {
	return filepath.Join(root, fmt.Sprintf("%d", bsn))
}

// New starts a job in the Armed state.
func New(root string, bsn uint32) *Job {
	return &Job{
		Root:     root,
		BSN:      bsn,
		DBs:      make(map[string]DatabaseFiles),
		state:    Armed,
		manifest: Manifest{BSN: bsn, Files: make(map[string][32]byte)},
	}
}

// State returns the job's current state.
func (j *Job) State() State { return j.state }

// Run drives the job through every state to Complete (or returns the
// first error, leaving state short of Complete so the caller can retry
// or clean up the incomplete directory).
func (j *Job) Run(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	if err := j.createDirs(); err != nil {
		return err
	}
	if err := j.copyAll(ctx); err != nil {
		return err
	}
	return j.finalize()
}

func (j *Job) createDirs() error {
	j.state = CreatingDirs
	base := IncompleteDir(j.Root, j.BSN)
	if err := os.MkdirAll(filepath.Join(base, "log"), 0755); err != nil {
		return fmt.Errorf("backup: mkdir: %w", err)
	}
	for name := range j.DBs {
		if err := os.MkdirAll(filepath.Join(base, name), 0755); err != nil {
			return fmt.Errorf("backup: mkdir db %s: %w", name, err)
		}
	}
	return nil
}

func (j *Job) copyAll(ctx context.Context) error {
	j.state = Copying
	base := IncompleteDir(j.Root, j.BSN)

	retry := func(op func() error) error {
		return backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	}

	for name, db := range j.DBs {
		dstScheme := filepath.Join(base, name, "scheme")
		if err := retry(func() error { return j.copyFile(db.SchemePath, dstScheme) }); err != nil {
			return fmt.Errorf("backup: scheme %s: %w", name, err)
		}
		for _, nf := range db.NodeFiles {
			dst := filepath.Join(base, name, filepath.Base(nf))
			if err := retry(func() error { return j.copyFile(nf, dst) }); err != nil {
				return fmt.Errorf("backup: node file %s: %w", nf, err)
			}
		}
	}
	for _, lf := range j.Logs {
		dst := filepath.Join(base, "log", filepath.Base(lf))
		if err := retry(func() error { return j.copyFile(lf, dst) }); err != nil {
			return fmt.Errorf("backup: log file %s: %w", lf, err)
		}
	}
	return nil
}

func (j *Job) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}

	rel, err := filepath.Rel(IncompleteDir(j.Root, j.BSN), dst)
	if err != nil {
		rel = dst
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	j.manifest.Files[rel] = sum
	return nil
}

func (j *Job) finalize() error {
	j.state = Finalizing
	if err := os.Rename(IncompleteDir(j.Root, j.BSN), FinalDir(j.Root, j.BSN)); err != nil {
		return fmt.Errorf("backup: finalize rename: %w", err)
	}
	j.state = Complete
	return nil
}

// Manifest returns the job's file->checksum map, valid once Copying has
// finished.
func (j *Job) Manifest() Manifest { return j.manifest }

// defaultTimeout bounds a single Run call when the caller passes
// context.Background(), matching the worker pool's non-indefinite-
// suspension rule (spec.md §5).
const defaultTimeout = 10 * time.Minute
