// Package scheduler implements the worker pool and decision-order loop
// from spec.md §4.10: a fixed pool of worker goroutines, each looping
// plan -> execute -> complete, and the ten-step-per-tick decision order
// applied under the scheduler's own lock.
//
// Grounded on folio's single coarse-grained locking style, generalized
// from folio's synchronous single-threaded API to an explicit worker
// pool contending on one lock per tick, per spec.md §5's "scheduler.lock
// (mutex): protects all scheduler counters and the database array".
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jpl-au/sophia/internal/config"
	"github.com/jpl-au/sophia/internal/metrics"
	"github.com/jpl-au/sophia/internal/node"
	"github.com/jpl-au/sophia/internal/planner"
)

// Executor performs the actual branch/compact work for one database;
// supplied per-Database so this package stays free of a dependency on
// the top-level sophia package. Backup and drop are driven separately
// (spec.md §4.10 steps 5/6 only mark bookkeeping here; the byte-copy
// work lives in internal/backup and the top-level package).
type Executor interface {
	Branch(ctx context.Context, n *node.Node) error

	// Compact runs spec.md §4.12 against n and reports which node
	// should be re-filed in the planner's queues afterward: n itself
	// when it survives as the sole or first successor, a different node
	// when n was deleted and its range redistributed into siblings (nil
	// in that case — nothing new to file), or a fresh bootstrap node
	// when n was the database's last node and compacted away to empty.
	Compact(ctx context.Context, n *node.Node) (*node.Node, error)
}

// DropFunc removes an orphaned shutdown-pending database.
type DropFunc func(ctx context.Context) error

// Database is the subset of per-database state the scheduler needs to
// run its decision order against one database per tick. Exec is this
// database's own branch/compact implementation, so a single Scheduler
// can drive many databases each with their own node storage.
type Database struct {
	Name            string
	Planner         *planner.Planner
	Exec            Executor
	Drop            DropFunc
	MemUsedPct      func() float64
	CheckpointLSN   *uint64 // nil when no checkpoint is active
	BackupBSN       uint32  // current armed backup sequence, 0 = none
	ShutdownPending bool
	Dropped         bool
}

// Scheduler owns the worker pool and iterates the decision order across
// every registered database once per tick.
type Scheduler struct {
	mu       sync.Mutex
	settings *config.Settings
	metrics  *metrics.Registry
	log      zerolog.Logger
	databases []*Database

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler; workers are spawned by Start.
func New(settings *config.Settings, reg *metrics.Registry, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		settings: settings,
		metrics:  reg,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Register adds a database to the scheduler's tick loop.
func (s *Scheduler) Register(db *Database) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases = append(s.databases, db)
}

// Start spawns the worker pool; each worker loops tick->sleep until
// Stop is called (spec.md §4.10: "Worker pool: N threads spawned at
// open").
func (s *Scheduler) Start(ctx context.Context) {
	threads := s.settings.Int("scheduler.threads", 4)
	interval := 50 * time.Millisecond
	for i := 0; i < threads; i++ {
		s.wg.Add(1)
		go s.worker(ctx, interval)
	}
}

// Stop signals every worker to exit after its current tick and blocks
// until they have (spec.md §5's cooperative cancellation: "each worker,
// on its next loop head, observes and exits").
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick runs one pass of the decision order (spec.md §4.10) across every
// registered database, dispatching at most one task per database per
// tick to keep a single worker from starving the others.
func (s *Scheduler) tick(ctx context.Context) {
	timer := s.metrics.SchedulerTick
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	dbs := append([]*Database(nil), s.databases...)
	s.mu.Unlock()

	for _, db := range dbs {
		if db.Dropped {
			continue
		}
		s.tickOne(ctx, db)
	}
}

func (s *Scheduler) tickOne(ctx context.Context, db *Database) {
	// Step 5: drop orphan shutdown-pending databases, one per tick.
	if db.ShutdownPending {
		if err := db.Drop(ctx); err != nil {
			s.log.Error().Err(err).Str("db", db.Name).Msg("drop failed")
			return
		}
		db.Dropped = true
		return
	}

	zone := s.settings.Zone(config.ZonePercent(db.MemUsedPct()))
	if zone.Mode == config.ModeOff {
		return
	}

	// Step 3: checkpoint branching, if active.
	if db.CheckpointLSN != nil {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Branch, WM: 0})
		if rc == planner.Selected {
			s.runBranch(ctx, db, n)
			return
		}
	}

	// Step 6: backup.
	if db.BackupBSN > 0 {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Backup, BSN: db.BackupBSN})
		if rc == planner.Selected {
			n.BackupBSN = db.BackupBSN
			n.Lock = false
			return
		}
	}

	// Step 7: garbage collection by dup watermark.
	if zone.GcPrio > 0 {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Gc, PctWM: zone.GcWM})
		if rc == planner.Selected {
			s.metrics.GCRunsTotal.Inc()
			s.runCompact(ctx, db, n)
			return
		}
	}

	// Step 8: age-based branching.
	if zone.BranchAge > 0 {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Age, TTL: int64(zone.BranchAge), WM: int64(zone.BranchAgeWM)})
		if rc == planner.Selected {
			s.runBranch(ctx, db, n)
			return
		}
	}

	// Step 9: size-watermark branching.
	if zone.Mode == config.ModeBranch || zone.Mode == config.ModeBranchAndCompact || zone.Mode == config.ModeCheckpoint {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Branch, WM: int64(zone.BranchWM)})
		if rc == planner.Selected {
			s.runBranch(ctx, db, n)
			return
		}
	}

	// Step 10: branch-count-watermark compaction.
	if zone.Mode == config.ModeBranchAndCompact {
		rc, n := db.Planner.Plan(planner.Request{Kind: planner.Compact, WM: int64(zone.CompactWM)})
		if rc == planner.Selected {
			s.runCompact(ctx, db, n)
			return
		}
	}
}

func (s *Scheduler) runBranch(ctx context.Context, db *Database, n *node.Node) {
	defer s.complete(n)
	if err := db.Exec.Branch(ctx, n); err != nil {
		s.log.Error().Err(err).Str("db", db.Name).Uint32("node", n.ID).Msg("branch failed")
		return
	}
	s.metrics.BranchesTotal.Inc()
	db.Planner.Update(n)
}

func (s *Scheduler) runCompact(ctx context.Context, db *Database, n *node.Node) {
	defer s.complete(n)
	next, err := db.Exec.Compact(ctx, n)
	if err != nil {
		s.log.Error().Err(err).Str("db", db.Name).Uint32("node", n.ID).Msg("compact failed")
		return
	}
	s.metrics.CompactionsTotal.Inc()
	if next != nil {
		db.Planner.Update(next)
	}
}

// complete implements spec.md §4.10's "complete re-acquires the lock,
// adjusts the relevant in-flight counter, unlocks the node".
func (s *Scheduler) complete(n *node.Node) {
	n.Lock = false
}
