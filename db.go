// Database: one named keyspace within an Environment. Owns its key
// schema, its scheme file, and its chain of Nodes (spec.md §3/§4.4).
package sophia

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/jpl-au/sophia/internal/compression"
	"github.com/jpl-au/sophia/internal/index"
	"github.com/jpl-au/sophia/internal/keys"
	"github.com/jpl-au/sophia/internal/memtable"
	"github.com/jpl-au/sophia/internal/merge"
	"github.com/jpl-au/sophia/internal/node"
	"github.com/jpl-au/sophia/internal/page"
	"github.com/jpl-au/sophia/internal/planner"
	"github.com/jpl-au/sophia/internal/record"
	"github.com/jpl-au/sophia/internal/recovery"
	"github.com/jpl-au/sophia/internal/scheduler"
	"github.com/jpl-au/sophia/internal/store"
	"github.com/jpl-au/sophia/internal/update"
)

const schemeFileName = "scheme"

// Database is one named keyspace: a key schema, a format, and a chain
// of Nodes, each backed by its own on-disk file (spec.md §3/§4.4).
type Database struct {
	env  *Environment
	Name string
	dsn  uint32
	dir  string

	schema      *keys.Schema
	format      record.Format
	nodeSize    int64
	pageSize    int64
	syncWrites  bool
	mmapEnabled bool
	codec       compression.Codec

	codecKind compression.Kind

	folder update.Folder // UPDATE-chain reducer; last-write-wins by default

	mu              sync.RWMutex
	nodes           []*node.Node // sorted by Min, disjoint ranges
	planner         *planner.Planner
	schedDB         *scheduler.Database
	shutdownPending bool
	dropped         bool
	backupBSN       uint32
}

// defaultFolder is the last-write-wins reducer every database starts
// with; SetFolder overrides it for document-style partial updates.
func defaultFolder(_ record.Flags, _ []byte, _ record.Flags, next []byte, _ []byte) []byte { return next }

// SetFolder installs the UPDATE-chain reducer this database's read
// path folds through (spec.md §4.9).
func (db *Database) SetFolder(f update.Folder) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.folder = f
}

// cmp orders two joined key byte slices per this database's schema,
// inverting *Rev parts the way keys.Schema.CompareKeyBytes requires
// (spec.md §4.1); every node-routing and chain-read comparison in this
// file goes through it instead of a raw byte compare.
func (db *Database) cmp(a, b []byte) int { return db.schema.CompareKeyBytes(a, b) }

// schemaEntryBody is the JSON shape recovery.SchemaFromEntries decodes.
type schemaEntryBody struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

func encodeSchemaEntry(schema *keys.Schema) ([]byte, error) {
	parts := make([]schemaEntryBody, len(schema.Parts))
	for i, p := range schema.Parts {
		parts[i] = schemaEntryBody{Name: p.Name, Type: int(p.Type)}
	}
	return json.Marshal(parts)
}

// recoverDatabase implements spec.md §4.14 step 4: load (or bootstrap) a
// database's scheme file, scan its node directory, reopen every
// surviving node, and bootstrap a single empty node if none survive
// (spec.md §4.12 invariant: "every database always has >= 1 node").
func (env *Environment) recoverDatabase(name, dir string) (*Database, error) {
	db := &Database{
		env:     env,
		Name:    name,
		dir:     dir,
		planner: planner.New(),
		folder:  defaultFolder,
	}

	schemePath := filepath.Join(dir, schemeFileName)
	buf, err := os.ReadFile(schemePath)
	switch {
	case err == nil:
		if err := db.loadScheme(buf); err != nil {
			return nil, fmt.Errorf("sophia: load scheme for %s: %w", name, err)
		}
	case os.IsNotExist(err):
		if err := db.bootstrapScheme(); err != nil {
			return nil, fmt.Errorf("sophia: bootstrap scheme for %s: %w", name, err)
		}
		if err := db.writeScheme(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sophia: read scheme %s: %w", schemePath, err)
	}

	db.codec = codecFor(db.codecKind)

	ids, err := recovery.ScanNodeDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sophia: scan node dir %s: %w", dir, err)
	}
	for _, id := range ids {
		f, err := store.Open(dir, id, db.mmapEnabled, db.syncWrites, db.codec)
		if err != nil {
			return nil, fmt.Errorf("sophia: open node %d: %w", id, err)
		}
		n := node.New(dir, id, 0, f, db.schema)
		n.Min, n.Max = deriveRange(f, db.cmp)
		db.nodes = append(db.nodes, n)
	}
	if len(db.nodes) == 0 {
		n, err := db.bootstrapNode()
		if err != nil {
			return nil, err
		}
		db.nodes = append(db.nodes, n)
	}
	db.sortNodes()
	for _, n := range db.nodes {
		db.planner.Update(n)
	}
	return db, nil
}

func (db *Database) loadScheme(buf []byte) error {
	entries, err := recovery.DecodeScheme(buf)
	if err != nil {
		return err
	}
	schema, err := recovery.SchemaFromEntries(entries)
	if err != nil {
		return err
	}
	schema.Sealed = true
	db.schema = schema

	for _, e := range entries {
		switch e.Type {
		case recovery.SchemeDSN:
			db.dsn = decodeU32Entry(e.Body)
		case recovery.SchemeFormat:
			db.format = record.Format(decodeU32Entry(e.Body))
		case recovery.SchemeNodeSize:
			db.nodeSize = int64(decodeU64Entry(e.Body))
		case recovery.SchemePageSize:
			db.pageSize = int64(decodeU64Entry(e.Body))
		case recovery.SchemeSync:
			db.syncWrites = decodeU32Entry(e.Body) != 0
		case recovery.SchemeStorage:
			db.mmapEnabled = decodeU32Entry(e.Body) != 0
		case recovery.SchemeCompression:
			db.codecKind = compression.Kind(decodeU32Entry(e.Body))
		}
	}
	if db.pageSize == 0 {
		db.pageSize = page.DefaultSize
	}
	if db.nodeSize == 0 {
		db.nodeSize = 64 << 20
	}
	return nil
}

func (db *Database) bootstrapScheme() error {
	schema, err := db.env.settings.schemaFor(db.Name)
	if err != nil {
		return err
	}
	schema.Sealed = true
	db.schema = schema
	db.dsn = db.env.seq.NextDSN()
	db.format = record.FormatKV
	db.nodeSize = int64(db.env.settings.nodeSize())
	db.pageSize = int64(db.env.settings.pageSize())
	db.syncWrites = db.env.settings.inner.DBBool(db.Name, "sync", true)
	db.mmapEnabled = db.env.settings.inner.DBBool(db.Name, "mmap", false)
	kind, err := compression.ParseKind(db.env.settings.inner.DBString(db.Name, "compression", "none"))
	if err != nil {
		return err
	}
	db.codecKind = kind
	return nil
}

func (db *Database) writeScheme() error {
	schemaBody, err := encodeSchemaEntry(db.schema)
	if err != nil {
		return err
	}
	entries := []recovery.SchemeEntry{
		{Type: recovery.SchemeName, Body: []byte(db.Name)},
		{Type: recovery.SchemeDSN, Body: encodeU32Entry(db.dsn)},
		{Type: recovery.SchemeFormat, Body: encodeU32Entry(uint32(db.format))},
		{Type: recovery.SchemeKeySchema, Body: schemaBody},
		{Type: recovery.SchemeNodeSize, Body: encodeU64Entry(uint64(db.nodeSize))},
		{Type: recovery.SchemePageSize, Body: encodeU64Entry(uint64(db.pageSize))},
		{Type: recovery.SchemeSync, Body: encodeBoolEntry(db.syncWrites)},
		{Type: recovery.SchemeStorage, Body: encodeBoolEntry(db.mmapEnabled)},
		{Type: recovery.SchemeCompression, Body: encodeU32Entry(uint32(db.codecKind))},
	}
	blob, err := recovery.EncodeScheme(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(db.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(db.dir, schemeFileName), blob, 0644)
}

func codecFor(kind compression.Kind) compression.Codec { return compression.Get(kind) }

func encodeU32Entry(v uint32) []byte {
	b := make([]byte, 4)
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return b
}
func decodeU32Entry(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func encodeU64Entry(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
func decodeU64Entry(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func encodeBoolEntry(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// bootstrapNode creates the single empty node every new database starts
// with (spec.md §4.12 invariant).
func (db *Database) bootstrapNode() (*node.Node, error) {
	return db.createEmptyNode(db.env.seq.NextNSN(), "")
}

// createEmptyNode writes a fresh, branchless node file under id, deleting
// oldPath (if non-empty) as part of the same rename sequence, and wraps
// it as a live Node. Used both for a brand-new database's sole node and
// for compaction's zero-successor bootstrap-empty-node path (spec.md
// §4.12 step 4).
func (db *Database) createEmptyNode(id uint32, oldPath string) (*node.Node, error) {
	f, err := store.Create(db.dir, 0, id, db.syncWrites, db.codec)
	if err != nil {
		return nil, err
	}
	if err := store.Complete(db.dir, 0, id, oldPath); err != nil {
		return nil, err
	}
	f.Close()
	reopened, err := store.Open(db.dir, id, db.mmapEnabled, db.syncWrites, db.codec)
	if err != nil {
		return nil, err
	}
	return node.New(db.dir, id, 0, reopened, db.schema), nil
}

// deriveRange reports the node's covered key range by scanning every
// branch's index block for its min/max packed keys.
// A node with no branches yet covers the entire keyspace (nil, nil).
func deriveRange(f *store.File, cmp func(a, b []byte) int) (min, max []byte) {
	for _, b := range f.Branches {
		n := b.Index.Len()
		if n == 0 {
			continue
		}
		mn, _ := b.Index.MinMax(0)
		_, mx := b.Index.MinMax(n - 1)
		if min == nil || cmp(mn, min) < 0 {
			min = mn
		}
		if max == nil || cmp(mx, max) > 0 {
			max = mx
		}
	}
	return min, max
}

func (db *Database) sortNodes() {
	for i := 1; i < len(db.nodes); i++ {
		for j := i; j > 0 && db.lessNode(db.nodes[j], db.nodes[j-1]); j-- {
			db.nodes[j], db.nodes[j-1] = db.nodes[j-1], db.nodes[j]
		}
	}
}
func (db *Database) lessNode(a, b *node.Node) bool {
	switch {
	case a.Min == nil && b.Min == nil:
		return a.ID < b.ID
	case a.Min == nil:
		return true
	case b.Min == nil:
		return false
	default:
		return db.cmp(a.Min, b.Min) < 0
	}
}

// routeNode finds the node that owns key, taking db.mu's read lock itself.
func (db *Database) routeNode(key []byte) *node.Node {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, n := range db.nodes {
		if n.Covers(key, db.cmp) {
			return n
		}
	}
	if len(db.nodes) > 0 {
		return db.nodes[len(db.nodes)-1]
	}
	return nil
}

// replayRow re-applies one committed WAL row during recovery (spec.md
// §4.14 step 5): decode, route to the owning node by key, upsert.
func (db *Database) replayRow(payload []byte, lsn uint64) error {
	r, err := record.Decode(payload)
	if err != nil {
		return fmt.Errorf("sophia: decode replayed record for %s: %w", db.Name, err)
	}
	key := r.KeyBytes()
	n := db.routeNode(key)
	if n == nil {
		return nil
	}
	n.Active().Upsert(key, r)
	return nil
}

// memUsedPct reports this database's aggregate in-memory write-buffer
// usage as a percentage of its configured node_size bound, the
// statistic the scheduler's zone lookup rounds down to the nearest 10
// (spec.md §4.10).
func (db *Database) memUsedPct() float64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.nodeSize == 0 {
		return 0
	}
	var total int64
	for _, n := range db.nodes {
		total += n.InMemoryBytes()
	}
	return float64(total) / float64(db.nodeSize) * 100
}

// startScheduler registers this database with the environment's shared
// scheduler (spec.md §4.10).
func (db *Database) startScheduler(env *Environment) {
	sd := &scheduler.Database{
		Name:       db.Name,
		Planner:    db.planner,
		Exec:       &envExecutor{env: env, db: db},
		Drop:       func(ctx context.Context) error { return env.finishDrop(db) },
		MemUsedPct: db.memUsedPct,
	}
	db.schedDB = sd
	env.sched.Register(sd)
}

// joinKeyParts packs a multi-part key the way record.New does, so
// lookups key off the same bytes a stored record's KeyBytes() returns.
func joinKeyParts(format record.Format, parts [][]byte) []byte {
	return record.New(format, parts, nil, 0, 0).KeyBytes()
}

// Get implements spec.md §4.6's point lookup as a one-shot, snapshotted
// at the current lsn.
func (db *Database) Get(keyParts ...[]byte) ([]byte, error) {
	key := joinKeyParts(db.format, keyParts)
	return db.getAt(key, db.env.seq.CurrentLSN())
}

// Set, Update and Delete implement spec.md §4.7's single-statement write
// pipeline: one MVCC slot, one WAL append, one node insertion.
func (db *Database) Set(value []byte, keyParts ...[]byte) error {
	return db.writeOne(keyParts, value, 0)
}
func (db *Database) Update(delta []byte, keyParts ...[]byte) error {
	return db.writeOne(keyParts, delta, record.FlagUpdate)
}
func (db *Database) Delete(keyParts ...[]byte) error {
	return db.writeOne(keyParts, nil, record.FlagDelete)
}

func (db *Database) writeOne(keyParts [][]byte, value []byte, flags record.Flags) error {
	tx := db.env.BeginTransaction()
	if err := tx.Write(db, keyParts, value, flags); err != nil {
		return err
	}
	return tx.Commit()
}

// getAt implements spec.md §4.6's point lookup at a fixed vlsn: route to
// the owning node, fold its visible chain (memtable, shadow, then
// branches newest-first), and resolve UPDATE chains via the database's
// folder.
func (db *Database) getAt(key []byte, vlsn uint64) ([]byte, error) {
	n := db.routeNode(key)
	if n == nil {
		return nil, ErrNotFound
	}
	chain, found := db.readChainFull(n, key, vlsn)
	if !found || len(chain) == 0 {
		return nil, ErrNotFound
	}
	head := chain[0]
	if head.Flags.Has(record.FlagDelete) {
		return nil, ErrNotFound
	}
	if !head.Flags.Has(record.FlagUpdate) {
		return head.ValueBytes(), nil
	}
	return update.ReadFold(db.folder, chain), nil
}

// readChainFull walks one key's version chain newest-first across the
// node's active memtable, its shadow memtable (if a branch rotation is
// in flight), and its on-disk branches newest-first, stopping as soon
// as it reaches a non-UPDATE base record (spec.md §4.6/§4.9).
func (db *Database) readChainFull(n *node.Node, key []byte, vlsn uint64) ([]*record.Record, bool) {
	var chain []*record.Record

	appendVisible := func(head *memtable.Version) bool {
		for v := memtable.Visible(head, vlsn); v != nil; v = v.Next {
			if v.Record.LSN > vlsn {
				continue
			}
			chain = append(chain, v.Record)
			if !v.Record.Flags.Has(record.FlagUpdate) {
				return true
			}
		}
		return false
	}

	if active := n.Active(); active != nil {
		if head, ok := active.Get(key); ok {
			if appendVisible(head) {
				return chain, true
			}
		}
	}
	if shadow := n.Shadow(); shadow != nil {
		if head, ok := shadow.Get(key); ok {
			if appendVisible(head) {
				return chain, true
			}
		}
	}

	for _, b := range n.File.Branches {
		if db.collectFromBranch(n.File, b, key, vlsn, &chain) {
			return chain, true
		}
	}
	return chain, len(chain) > 0
}

// collectFromBranch binary-searches one branch for key's page, then
// within that page collects every descriptor for key (already ordered
// newest-to-oldest within a flush generation) into chain, reporting
// whether a non-UPDATE base was reached.
func (db *Database) collectFromBranch(f *store.File, b *store.BranchMeta, key []byte, vlsn uint64, chain *[]*record.Record) bool {
	idx := b.Index
	if !idx.OpenAt(key, db.cmp) {
		return false
	}
	entry := idx.Of()
	pr, err := f.ReadPage(entry)
	if err != nil {
		return false
	}
	if !pr.OpenAt(key, db.cmp, func(r *record.Record) []byte { return r.KeyBytes() }) {
		return false
	}
	for pr.Has() {
		r := pr.Of()
		if !bytesEqual(r.KeyBytes(), key) {
			break
		}
		if r.LSN <= vlsn {
			*chain = append(*chain, r)
			if !r.Flags.Has(record.FlagUpdate) {
				return true
			}
		}
		pr.Next()
	}
	return false
}

func bytesEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// Drop marks this database for removal by the scheduler's next tick
// (spec.md §4.10 step 5), rather than removing it synchronously.
func (db *Database) Drop() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dropped {
		return ErrDropped
	}
	if err := os.WriteFile(recovery.DropMarkerPath(db.dir), nil, 0644); err != nil {
		return err
	}
	db.shutdownPending = true
	db.dropped = true
	if db.schedDB != nil {
		db.schedDB.ShutdownPending = true
	}
	return nil
}

// Destroy closes this database's node files without removing its
// directory, for a clean Environment shutdown (spec.md §5).
func (db *Database) Destroy() error {
	db.closeAll()
	return nil
}

// OpenDatabase opens (bootstrapping if new) a database directly, for
// callers that don't want to rely on the repository-wide directory
// scan at Environment.Open time.
func (env *Environment) OpenDatabase(name string) (*Database, error) {
	env.dbMu.Lock()
	if db, ok := env.databases[name]; ok {
		env.dbMu.Unlock()
		return db, nil
	}
	env.dbMu.Unlock()

	dir := filepath.Join(env.root, name)
	db, err := env.recoverDatabase(name, dir)
	if err != nil {
		return nil, err
	}
	env.dbMu.Lock()
	env.databases[name] = db
	env.dbMu.Unlock()
	db.startScheduler(env)
	return db, nil
}

// closeAll closes every node file this database owns (spec.md §5's
// Destroy sequence).
func (db *Database) closeAll() {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, n := range db.nodes {
		if n.File != nil {
			n.File.Close()
		}
	}
}

// finishDrop removes a shutdown-pending database's directory tree once
// the scheduler has quiesced it (spec.md §4.10 step 5).
func (env *Environment) finishDrop(db *Database) error {
	db.closeAll()
	env.dbMu.Lock()
	delete(env.databases, db.Name)
	env.dbMu.Unlock()
	return os.RemoveAll(db.dir)
}

// recordFlags adapts a raw WAL flags byte to record.Flags for appendWAL.
func recordFlags(flags uint8) record.Flags { return record.Flags(flags) }

// envExecutor implements scheduler.Executor by running the real branch
// (spec.md §4.11) and compaction (spec.md §4.12) algorithms against one
// database's node.
type envExecutor struct {
	env *Environment
	db  *Database
}

// Branch implements spec.md §4.11: rotate the node's write index so new
// writes land in the shadow tree, drain the frozen tree into sorted
// pages bounded by page_size, append them plus a new branch index to
// the node's file, then end rotation.
func (e *envExecutor) Branch(ctx context.Context, n *node.Node) error {
	n.BeginRotate()
	shadow := n.Shadow()
	if shadow == nil || shadow.Count() == 0 {
		n.EndRotate()
		return nil
	}

	db := e.db
	builder := page.Begin(true, db.codec, db.format == record.FormatKV)
	var pages []*page.Built
	var minMax [][2][]byte
	var curMin, lastKey []byte

	flush := func() {
		if builder.Count() == 0 {
			return
		}
		built := builder.End()
		pages = append(pages, built)
		minMax = append(minMax, [2][]byte{curMin, lastKey})
		builder = page.Begin(true, db.codec, db.format == record.FormatKV)
		curMin = nil
	}

	it := shadow.NewIter(nil)
	for it.Has() {
		key := append([]byte{}, it.Key()...)
		if curMin == nil {
			curMin = key
		}
		lastKey = key
		for v := it.Head(); v != nil; v = v.Next {
			builder.Add(v.Record, 0)
		}
		if builder.BodySize() >= int(db.pageSize) {
			flush()
		}
		it.Next()
	}
	flush()

	if len(pages) == 0 {
		n.EndRotate()
		return nil
	}

	id := index.BranchID{Parent: n.ID, ID: e.env.seq.NextNSN()}
	bm, err := n.File.AppendBranch(id, pages, minMax)
	if err != nil {
		return fmt.Errorf("sophia: branch %s/%d: %w", db.Name, n.ID, err)
	}
	n.File.Branches = append([]*store.BranchMeta{bm}, n.File.Branches...)
	n.EndRotate()
	return nil
}

// branchPageSource walks one branch's pages, and within each page its
// records, oldest page first, in key order — a merge.Source over
// on-disk data.
type branchPageSource struct {
	file   *store.File
	branch *store.BranchMeta
	pageNo int
	reader *page.Reader
}

func newBranchPageSource(f *store.File, b *store.BranchMeta) (*branchPageSource, error) {
	s := &branchPageSource{file: f, branch: b}
	if err := s.loadPage(0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *branchPageSource) loadPage(i int) error {
	if i >= s.branch.Index.Len() {
		s.reader = nil
		return nil
	}
	r, err := s.file.ReadPage(s.branch.Index.Entry(i))
	if err != nil {
		return err
	}
	s.pageNo = i
	s.reader = r
	return nil
}

func (s *branchPageSource) Valid() bool { return s.reader != nil && s.reader.Has() }
func (s *branchPageSource) Key() []byte { return s.reader.Of().KeyBytes() }
func (s *branchPageSource) Record() *record.Record { return s.reader.Of() }
func (s *branchPageSource) Next() {
	s.reader.Next()
	if !s.reader.Has() {
		_ = s.loadPage(s.pageNo + 1)
	}
}

// memtableMergeSource adapts a memtable.Iter to merge.Source, surfacing
// only each key's chain head (the newest version) — older versions in
// the chain are already flagged DUP and are reconstructed from the
// node's prior branches during a read, not re-emitted by compaction.
type memtableMergeSource struct {
	it *memtable.Iter
}

func newMemtableMergeSource(t *memtable.Tree) *memtableMergeSource {
	return &memtableMergeSource{it: t.NewIter(nil)}
}

func (s *memtableMergeSource) Valid() bool          { return s.it.Has() }
func (s *memtableMergeSource) Key() []byte          { return s.it.Key() }
func (s *memtableMergeSource) Record() *record.Record { return s.it.Head().Record }
func (s *memtableMergeSource) Next()                { s.it.Next() }

// successorBuild accumulates one new node file's worth of merged pages
// while compaction streams through the merge (spec.md §4.12 steps 2-3).
type successorBuild struct {
	builder         *page.Builder
	pages           []*page.Built
	minMax          [][2][]byte
	curMin, lastKey []byte
	bytes           int64
}

func newSuccessorBuild(db *Database) *successorBuild {
	return &successorBuild{builder: page.Begin(true, db.codec, db.format == record.FormatKV)}
}

func (sb *successorBuild) flushPage(db *Database) {
	if sb.builder.Count() == 0 {
		return
	}
	built := sb.builder.End()
	sb.pages = append(sb.pages, built)
	sb.minMax = append(sb.minMax, [2][]byte{sb.curMin, sb.lastKey})
	sb.builder = page.Begin(true, db.codec, db.format == record.FormatKV)
	sb.curMin = nil
}

func (sb *successorBuild) add(db *Database, rec *record.Record, key []byte) {
	if sb.curMin == nil {
		sb.curMin = key
	}
	sb.lastKey = key
	// Tombstones below every live snapshot's vlsn would normally be
	// dropped here; without a registered GC floor this conservatively
	// keeps them, matching spec.md's default.
	sb.builder.Add(rec, 0)
	sb.bytes += int64(rec.Size())
	if sb.builder.BodySize() >= int(db.pageSize) {
		sb.flushPage(db)
	}
}

// splitStream runs the merge to completion, cutting a new successor
// chunk each time the current one has accumulated at least node_size
// bytes and at least node_size bytes still remain beyond it — the three
// split rules of spec.md §4.12 step 3: ≥2·node_size remaining emits at
// node_size, (node_size, 2·node_size] remaining folds into one
// oversized chunk, and anything smaller is emitted as the final chunk.
func splitStream(db *Database, m *merge.Merge, totalOrigin int64) []*successorBuild {
	var successors []*successorBuild
	cur := newSuccessorBuild(db)
	var committed int64

	closeCurrent := func() {
		cur.flushPage(db)
		if len(cur.pages) > 0 {
			successors = append(successors, cur)
		}
		committed += cur.bytes
		cur = newSuccessorBuild(db)
	}

	for m.Next() {
		key := append([]byte{}, m.Key()...)
		cur.add(db, m.Record(), key)

		remaining := totalOrigin - committed
		if remaining >= 2*db.nodeSize && cur.bytes >= db.nodeSize {
			closeCurrent()
		}
	}
	closeCurrent()
	return successors
}

// routeAmong finds the node among nodes covering key, falling back to
// the last node the way Database.routeNode does for an unbounded tail.
func routeAmong(nodes []*node.Node, key []byte, cmp func(a, b []byte) int) *node.Node {
	for _, nd := range nodes {
		if nd.Covers(key, cmp) {
			return nd
		}
	}
	if len(nodes) > 0 {
		return nodes[len(nodes)-1]
	}
	return nil
}

// redistribute walks every version still held in from (the write buffer
// that kept accepting writes to n while compaction merged its snapshot)
// and re-inserts each one into whichever of targets now covers its key,
// implementing spec.md §4.12 step 5(a)'s "redistribute by min-key
// routing". self identifies the one target (if any) that from already
// belongs to — its entries need no reinsertion and are left for the
// caller's own EndRotate to promote, since from is itself that node's
// shadow buffer and re-upserting into it would insert its own versions
// back into the tree being iterated.
func redistribute(from *memtable.Tree, self *node.Node, targets []*node.Node, cmp func(a, b []byte) int) {
	if from == nil || len(targets) == 0 {
		return
	}
	for it := from.NewIter(nil); it.Has(); it.Next() {
		key := it.Key()
		target := routeAmong(targets, key, cmp)
		if target == nil || target == self {
			continue
		}
		for v := it.Head(); v != nil; v = v.Next {
			target.Active().Upsert(key, v.Record)
		}
	}
}

// Compact implements spec.md §4.12: merge the node's current write index
// with every branch's page stream, split the merged stream into one or
// more successor node files by node_size, then replace n with whichever
// of the three step-5 shapes the split produced — a single successor, a
// sorted list of several, or (if n compacted away to nothing) deletion
// with its pending writes redistributed into siblings, synthesizing a
// fresh bootstrap node if n was the database's last one.
func (e *envExecutor) Compact(ctx context.Context, n *node.Node) (*node.Node, error) {
	db := e.db
	n.BeginRotate()

	var sources []merge.Source
	var totalOrigin int64
	if shadow := n.Shadow(); shadow != nil && shadow.Count() > 0 {
		sources = append(sources, newMemtableMergeSource(shadow))
	}
	for _, b := range n.File.Branches {
		totalOrigin += int64(b.Header.TotalOrigin)
		bs, err := newBranchPageSource(n.File, b)
		if err != nil {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: open branch: %w", db.Name, n.ID, err)
		}
		if bs.Valid() {
			sources = append(sources, bs)
		}
	}

	var successors []*successorBuild
	if len(sources) > 0 {
		successors = splitStream(db, merge.New(sources...), totalOrigin)
	}

	var built []*node.Node
	for i, sb := range successors {
		id, parent := n.ID, n.ID
		if i > 0 {
			id = e.env.seq.NextNSN()
		}
		nf, err := store.Create(db.dir, parent, id, db.syncWrites, db.codec)
		if err != nil {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: create successor %d: %w", db.Name, n.ID, i, err)
		}
		bid := index.BranchID{Parent: parent, ID: id}
		if _, err := nf.AppendBranch(bid, sb.pages, sb.minMax); err != nil {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: append successor %d: %w", db.Name, n.ID, i, err)
		}
		if err := nf.Sync(); err != nil {
			n.EndRotate()
			return nil, err
		}
		nf.Close()

		oldPath := ""
		if i == 0 {
			oldPath = n.File.Path()
		}
		if err := store.Complete(db.dir, parent, id, oldPath); err != nil {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: complete successor %d: %w", db.Name, n.ID, i, err)
		}
		reopened, err := store.Open(db.dir, id, db.mmapEnabled, db.syncWrites, db.codec)
		if err != nil {
			n.EndRotate()
			return nil, err
		}

		var nn *node.Node
		if i == 0 {
			nn = n
			nn.File = reopened
		} else {
			nn = node.New(db.dir, id, parent, reopened, db.schema)
		}
		nn.Min, nn.Max = deriveRange(reopened, db.cmp)
		built = append(built, nn)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	lastNode := len(db.nodes) == 1 && db.nodes[0] == n
	var replacement *node.Node

	switch {
	case len(built) > 0:
		// Step 5(b)/(c): replace n with a single successor, or with the
		// sorted list of several.
		newNodes := db.nodes[:0:0]
		for _, nd := range db.nodes {
			if nd != n {
				newNodes = append(newNodes, nd)
			}
		}
		newNodes = append(newNodes, built...)
		// n itself is always built[0] (the i==0 successor reuses its node
		// id and object); its own remaining entries ride along via the
		// ordinary EndRotate below instead of being redistributed back
		// into the tree they're being read from.
		redistribute(n.Active(), n, built, db.cmp)
		db.nodes = newNodes
		db.planner.Remove(n)
		for _, nd := range built {
			db.planner.Update(nd)
		}
		replacement = built[0]

	case lastNode:
		// Step 4: zero successors and n was the database's only node —
		// synthesize a fresh bootstrap node so the invariant "every
		// database always has >= 1 node" holds.
		bn, err := db.createEmptyNode(n.ID, n.File.Path())
		if err != nil {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: bootstrap replacement: %w", db.Name, n.ID, err)
		}
		redistribute(n.Active(), nil, []*node.Node{bn}, db.cmp)
		db.nodes = []*node.Node{bn}
		db.planner.Remove(n)
		db.planner.Update(bn)
		replacement = bn

	default:
		// Step 5(a): n had siblings and compacted away to nothing —
		// delete it and redistribute any still-pending writes into the
		// remaining nodes by min-key routing.
		siblings := make([]*node.Node, 0, len(db.nodes)-1)
		for _, nd := range db.nodes {
			if nd != n {
				siblings = append(siblings, nd)
			}
		}
		redistribute(n.Active(), nil, siblings, db.cmp)
		db.nodes = siblings
		db.planner.Remove(n)
		if err := os.Remove(n.File.Path()); err != nil && !os.IsNotExist(err) {
			n.EndRotate()
			return nil, fmt.Errorf("sophia: compact %s/%d: remove emptied node: %w", db.Name, n.ID, err)
		}
		n.File.Close()
		replacement = nil
	}

	n.EndRotate()
	db.sortNodes()
	return replacement, nil
}
