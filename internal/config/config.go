// Package config parses the flat setting-key surface from spec.md §6
// into typed values: byte sizes via github.com/c2h5oh/datasize (so
// "64KiB"/"1GiB"-style strings are accepted the way erigon's config
// surface takes human units), and whole-file loading via
// gopkg.in/yaml.v3 for callers that prefer a document over one
// set_setting call per key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Mode is one zone's scheduling mode (spec.md §4.10).
type Mode string

const (
	ModeOff               Mode = "Off"
	ModeBranch            Mode = "Branch"
	ModeCheckpoint        Mode = "Checkpoint"
	ModeBranchAndCompact  Mode = "BranchAndCompact"
)

// Zone holds one compaction.<pct> bucket's tunables (spec.md §4.10/§6).
type Zone struct {
	Mode            Mode
	CompactWM       int
	BranchPrio      int
	BranchWM        datasize.ByteSize
	BranchAge       int
	BranchAgePeriod int
	BranchAgeWM     datasize.ByteSize
	BackupPrio      int
	GcDBPrio        int
	GcPrio          int
	GcPeriod        int
	GcWM            float64
	Async           int
}

// Settings is the flat map/typed-accessor surface spec.md §6 names:
// "a flat map[string]string getter/setter... backed by typed
// accessors".
type Settings struct {
	raw map[string]string
}

// New returns an empty Settings with no keys set.
func New() *Settings { return &Settings{raw: make(map[string]string)} }

// Set implements set_setting(key, value).
func (s *Settings) Set(key, value string) { s.raw[key] = value }

// Get implements get_setting(key); ok is false for an unknown key.
func (s *Settings) Get(key string) (string, bool) {
	v, ok := s.raw[key]
	return v, ok
}

// AllRaw returns the underlying flat map, for callers that need to scan
// for a key pattern (e.g. "db.<name>.key.<n>").
func (s *Settings) AllRaw() map[string]string { return s.raw }

// GetDefault returns the setting or def if unset.
func (s *Settings) GetDefault(key, def string) string {
	if v, ok := s.raw[key]; ok {
		return v
	}
	return def
}

// Size parses a datasize-formatted setting ("64KiB", "1GiB", or a bare
// byte count), returning def if unset.
func (s *Settings) Size(key string, def datasize.ByteSize) (datasize.ByteSize, error) {
	v, ok := s.raw[key]
	if !ok {
		return def, nil
	}
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return bs, nil
}

// Bool parses a 0/1/true/false setting, returning def if unset.
func (s *Settings) Bool(key string, def bool) bool {
	v, ok := s.raw[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Int parses an integer setting, returning def if unset or malformed.
func (s *Settings) Int(key string, def int) int {
	v, ok := s.raw[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float parses a float setting, returning def if unset or malformed.
func (s *Settings) Float(key string, def float64) float64 {
	v, ok := s.raw[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// fileDoc mirrors the on-disk YAML layout: a flat list of key/value
// pairs under a single top-level map, matching cuemby-warren's and
// torua's config-file shape.
type fileDoc struct {
	Settings map[string]string `yaml:"settings"`
}

// LoadFile merges every key from a YAML settings document into s.
func (s *Settings) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for k, v := range doc.Settings {
		s.raw[k] = v
	}
	return nil
}

// ZonePercent rounds a memory-used percentage down to the nearest
// enabled zone key in steps of 10 (spec.md §4.10: "zones are keyed by
// percent in steps of 10; lookup rounds down to the nearest enabled
// zone").
func ZonePercent(usedPct float64) int {
	p := int(usedPct)
	return (p / 10) * 10
}

// Zone reads one zone's tunables out of Settings, keyed by
// "compaction.<pct>.*".
func (s *Settings) Zone(pct int) Zone {
	prefix := fmt.Sprintf("compaction.%d.", pct)
	return Zone{
		Mode:            Mode(s.GetDefault(prefix+"mode", string(ModeBranchAndCompact))),
		CompactWM:       s.Int(prefix+"compact_wm", 2),
		BranchPrio:      s.Int(prefix+"branch_prio", 1),
		BranchWM:        mustSize(s, prefix+"branch_wm", 16<<20),
		BranchAge:       s.Int(prefix+"branch_age", 0),
		BranchAgePeriod: s.Int(prefix+"branch_age_period", 0),
		BranchAgeWM:     mustSize(s, prefix+"branch_age_wm", 1<<20),
		BackupPrio:      s.Int(prefix+"backup_prio", 1),
		GcDBPrio:        s.Int(prefix+"gc_db_prio", 1),
		GcPrio:          s.Int(prefix+"gc_prio", 1),
		GcPeriod:        s.Int(prefix+"gc_period", 0),
		GcWM:            s.Float(prefix+"gc_wm", 0.5),
		Async:           s.Int(prefix+"async", 1),
	}
}

// DBBool reads a "db.<name>.<suffix>" boolean setting.
func (s *Settings) DBBool(dbName, suffix string, def bool) bool {
	return s.Bool(fmt.Sprintf("db.%s.%s", dbName, suffix), def)
}

// DBString reads a "db.<name>.<suffix>" string setting.
func (s *Settings) DBString(dbName, suffix, def string) string {
	return s.GetDefault(fmt.Sprintf("db.%s.%s", dbName, suffix), def)
}

func mustSize(s *Settings, key string, def datasize.ByteSize) datasize.ByteSize {
	v, err := s.Size(key, def)
	if err != nil {
		return def
	}
	return v
}
