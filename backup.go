// Backup: the Environment-level driver for spec.md §4.13's backup state
// machine, collecting every database's current node/scheme files and
// every file in the log directory into one internal/backup.Job. The
// active log file is copied along with any others; no distinction is
// made between rotated and current segments.
package sophia

import (
	"os"
	"path/filepath"

	"github.com/jpl-au/sophia/internal/backup"
)

// Backup arms and runs a full repository backup asynchronously,
// returning the request id (for Poll) and the backup sequence number
// assigned to this attempt (spec.md §4.13).
func (env *Environment) Backup() (uint64, uint32, error) {
	root := env.settings.GetDefault("backup.path", "")
	if root == "" {
		return 0, 0, ErrUnknownSetting
	}
	bsn := env.seq.NextBSN()
	job := backup.New(root, bsn)

	env.dbMu.Lock()
	for name, db := range env.databases {
		db.mu.RLock()
		nodeFiles := make([]string, 0, len(db.nodes))
		for _, n := range db.nodes {
			nodeFiles = append(nodeFiles, n.File.Path())
		}
		db.mu.RUnlock()

		job.DBs[name] = backup.DatabaseFiles{
			Name:       name,
			NodeFiles:  nodeFiles,
			SchemePath: filepath.Join(db.dir, schemeFileName),
		}
		if db.schedDB != nil {
			db.schedDB.BackupBSN = bsn
		}
		db.mu.Lock()
		db.backupBSN = bsn
		db.mu.Unlock()
	}
	env.dbMu.Unlock()

	if env.walEnabled {
		if entries, err := os.ReadDir(env.walDir); err == nil {
			for _, e := range entries {
				job.Logs = append(job.Logs, filepath.Join(env.walDir, e.Name()))
			}
		}
	}

	rq := env.nextRequestID()
	go func() {
		err := job.Run(env.ctx)
		env.dbMu.Lock()
		for _, db := range env.databases {
			if db.schedDB != nil && db.schedDB.BackupBSN == bsn {
				db.schedDB.BackupBSN = 0
			}
		}
		env.dbMu.Unlock()
		env.completeAsync(rq, err)
	}()
	return rq, bsn, nil
}
