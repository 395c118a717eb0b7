// Environment: the top-level handle owning the repository, the shared
// sequence/MVCC/scheduler state, and every open Database.
package sophia

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jpl-au/sophia/internal/metrics"
	"github.com/jpl-au/sophia/internal/mvcc"
	"github.com/jpl-au/sophia/internal/record"
	"github.com/jpl-au/sophia/internal/recovery"
	"github.com/jpl-au/sophia/internal/scheduler"
	"github.com/jpl-au/sophia/internal/seq"
	"github.com/jpl-au/sophia/internal/wal"
)

// Status is the environment's coarse lifecycle state (spec.md §5's
// cancellation model: Shutdown -> Destroyed; Malfunction is sticky and
// independent of the two).
type Status int32

const (
	StatusOpen Status = iota
	StatusShutdown
	StatusDestroyed
)

// errorState implements spec.md §7's propagation rule: every internal
// error recorded under a lock, most-recent-wins for display, tagged
// with file:line; malfunctions are sticky, non-malfunction errors clear
// on a subsequent successful call.
type errorState struct {
	mu          sync.Mutex
	err         error
	malfunction bool
}

func (e *errorState) record(skip int, err error, malfunction bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.malfunction {
		return
	}
	_, file, line, ok := runtime.Caller(skip)
	if ok {
		err = fmt.Errorf("%s:%d: %w", filepath.Base(file), line, err)
	}
	e.err = err
	if malfunction {
		e.malfunction = true
	}
}

func (e *errorState) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.malfunction {
		e.err = nil
	}
}

func (e *errorState) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *errorState) isMalfunction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.malfunction
}

// PollResult is one completed asynchronous request, as returned by
// Environment.Poll (spec.md §6's "poll").
type PollResult struct {
	RequestID uint64
	Err       error
}

// Environment is the top-level handle: repository root, shared
// sequence/MVCC state, the WAL, and every open Database.
type Environment struct {
	apilock sync.Mutex // env.apilock: serializes public API entries

	settings *Settings
	seq      *seq.Sequence
	mvccMgr  *mvcc.Manager
	repo     *recovery.Repository
	log      zerolog.Logger
	metrics  *metrics.Registry
	instance uuid.UUID
	errs     errorState
	status   Status

	root       string
	walDir     string
	walEnabled bool
	walSync    bool
	walMu      sync.Mutex
	currentWAL *wal.File
	rotateWM   int

	dbMu      sync.Mutex // env.dblock equivalent: guards the database map
	databases map[string]*Database
	sched     *scheduler.Scheduler

	reqMu  sync.Mutex
	pollCh chan PollResult
	nextRQ uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Open validates/creates the repository root, recovers every database
// directory found beneath it, replays the WAL, and starts each
// database's background scheduler (spec.md §4.14).
func Open(settings *Settings) (*Environment, error) {
	root := settings.GetDefault("sophia.path", ".")
	createIfMissing := settings.inner.Bool("sophia.path_create", true)
	backupRoot := settings.GetDefault("backup.path", "")

	repo, _, err := recovery.Open(root, createIfMissing, backupRoot)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &Environment{
		settings:   settings,
		seq:        seq.New(),
		mvccMgr:    mvcc.New(),
		repo:       repo,
		log:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
		instance:   uuid.New(),
		root:       root,
		databases:  make(map[string]*Database),
		pollCh:     make(chan PollResult, 256),
		ctx:        ctx,
		cancel:     cancel,
		walEnabled: settings.inner.Bool("log.enable", true),
		walSync:    settings.inner.Bool("log.sync", true),
		rotateWM:   settings.inner.Int("log.rotate_wm", 100000),
	}
	env.metrics = metrics.New(prometheus.NewRegistry())
	env.walDir = settings.GetDefault("log.path", filepath.Join(root, "log"))
	env.sched = scheduler.New(settings.inner, env.metrics, env.log)

	if err := env.recoverAll(); err != nil {
		return nil, err
	}
	env.sched.Start(env.ctx)
	return env, nil
}

// recoverAll implements spec.md §4.14 steps 2-6: scans the repository
// for database directories, recovers each, replays the WAL in lfsn
// order routing rows by dsn, then rotates to a fresh log file.
func (env *Environment) recoverAll() error {
	if env.walEnabled {
		if err := os.MkdirAll(env.walDir, 0755); err != nil {
			return fmt.Errorf("sophia: create log dir: %w", err)
		}
	}

	entries, err := os.ReadDir(env.root)
	if err != nil {
		return fmt.Errorf("sophia: scan repository: %w", err)
	}

	byDSN := make(map[uint32]*Database)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "log" || e.Name() == filepath.Base(env.walDir) {
			continue
		}
		dbDir := filepath.Join(env.root, e.Name())

		failOnDrop := env.settings.inner.Bool(fmt.Sprintf("db.%s.fail_on_drop", e.Name()), false)
		remove, err := recovery.ShouldRemove(dbDir, failOnDrop)
		if err != nil {
			return err
		}
		if remove {
			if err := os.RemoveAll(dbDir); err != nil {
				return fmt.Errorf("sophia: drop %s: %w", e.Name(), err)
			}
			continue
		}

		db, err := env.recoverDatabase(e.Name(), dbDir)
		if err != nil {
			return fmt.Errorf("sophia: recover database %s: %w", e.Name(), err)
		}
		env.databases[e.Name()] = db
		byDSN[db.dsn] = db
	}

	if env.walEnabled {
		lfsns, err := listLogFiles(env.walDir)
		if err != nil {
			return fmt.Errorf("sophia: scan log dir: %w", err)
		}
		err = recovery.ReplayLog(env.walDir, lfsns, func(dsn uint32, payload []byte, flags uint8, lsn uint64) error {
			db, ok := byDSN[dsn]
			if !ok {
				return nil // row belongs to a database no longer present
			}
			return db.replayRow(payload, lsn)
		})
		if err != nil {
			return err
		}

		nextLFSN := uint32(0)
		for _, l := range lfsns {
			if l > nextLFSN {
				nextLFSN = l
			}
		}
		lf, err := wal.Create(env.walDir, uint64(nextLFSN+1))
		if err != nil {
			return fmt.Errorf("sophia: rotate log: %w", err)
		}
		env.currentWAL = lf
	}

	for _, db := range env.databases {
		db.startScheduler(env)
	}
	return nil
}

func listLogFiles(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetSetting implements the Environment surface's get_setting.
func (env *Environment) GetSetting(key string) (string, bool) { return env.settings.Get(key) }

// SetSetting implements set_setting; some keys (compaction.*,
// scheduler.threads) only take effect for databases opened afterward.
func (env *Environment) SetSetting(key, value string) {
	env.apilock.Lock()
	defer env.apilock.Unlock()
	env.settings.Set(key, value)
}

// Error returns the running, read-only error string (spec.md §6's
// "emits a running, read-only error string retrievable from the
// environment").
func (env *Environment) Error() string { return env.errs.String() }

// Poll returns the next completed asynchronous request (spec.md §6).
func (env *Environment) Poll() (PollResult, bool) {
	select {
	case r := <-env.pollCh:
		return r, true
	default:
		return PollResult{}, false
	}
}

// nextRequestID hands out request sequence numbers for async task
// bookkeeping (spec.md §3's rsn).
func (env *Environment) nextRequestID() uint64 { return env.seq.NextRSN() }

// completeAsync publishes a finished async request's result to Poll.
func (env *Environment) completeAsync(id uint64, err error) {
	select {
	case env.pollCh <- PollResult{RequestID: id, Err: err}:
	default:
	}
}

// appendWAL writes payload to the current log file. It never rotates
// the log: log.rotate_wm is read into rotateWM but not consulted, so
// every append goes to the same file.
func (env *Environment) appendWAL(lsn uint64, dsn uint32, payload []byte, flags uint8) error {
	if !env.walEnabled {
		return nil
	}
	env.walMu.Lock()
	defer env.walMu.Unlock()

	ptr, err := env.currentWAL.AppendSingle(lsn, dsn, payload, recordFlags(flags), env.walSync)
	_ = ptr
	if err != nil {
		env.errs.record(3, err, true)
		return ErrMalfunction
	}
	env.metrics.WALBytesWritten.Add(float64(len(payload)))
	return nil
}

// Destroy transitions the environment through Shutdown to Destroyed,
// stopping every database's scheduler and closing its node files
// (spec.md §5's cancellation model).
func (env *Environment) Destroy() error {
	env.apilock.Lock()
	defer env.apilock.Unlock()
	if env.status == StatusDestroyed {
		return ErrClosed
	}
	env.status = StatusShutdown
	env.cancel()
	env.sched.Stop()

	env.dbMu.Lock()
	dbs := make([]*Database, 0, len(env.databases))
	for _, db := range env.databases {
		dbs = append(dbs, db)
	}
	env.dbMu.Unlock()

	for _, db := range dbs {
		db.closeAll()
	}

	env.walMu.Lock()
	if env.currentWAL != nil {
		env.currentWAL.Sync()
		env.currentWAL.Close()
	}
	env.walMu.Unlock()

	env.status = StatusDestroyed
	return nil
}

// envExecutor (defined in db.go) adapts one Database's branch/compact
// logic to the scheduler.Executor interface, keeping internal/scheduler
// free of a dependency on this package.
