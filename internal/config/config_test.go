package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	_, ok := s.Get("missing")
	require.False(t, ok)

	s.Set("db.main.compression", "zstd")
	v, ok := s.Get("db.main.compression")
	require.True(t, ok)
	require.Equal(t, "zstd", v)
}

func TestGetDefaultFallsBackWhenUnset(t *testing.T) {
	s := New()
	require.Equal(t, "fallback", s.GetDefault("nope", "fallback"))
	s.Set("nope", "set")
	require.Equal(t, "set", s.GetDefault("nope", "fallback"))
}

func TestSizeParsesHumanUnits(t *testing.T) {
	s := New()
	s.Set("node.size", "64KiB")
	bs, err := s.Size("node.size", 0)
	require.NoError(t, err)
	require.EqualValues(t, 64*1024, bs)

	bs, err = s.Size("unset.size", 1<<20)
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, bs)
}

func TestSizeRejectsMalformed(t *testing.T) {
	s := New()
	s.Set("bad.size", "not-a-size")
	_, err := s.Size("bad.size", 0)
	require.Error(t, err)
}

func TestBoolParsesVariants(t *testing.T) {
	s := New()
	s.Set("a", "1")
	s.Set("b", "false")
	s.Set("c", "yes")
	require.True(t, s.Bool("a", false))
	require.False(t, s.Bool("b", true))
	require.True(t, s.Bool("c", false))
	require.True(t, s.Bool("unset", true))
}

func TestIntAndFloatFallBackOnMalformed(t *testing.T) {
	s := New()
	s.Set("n", "not-a-number")
	require.Equal(t, 7, s.Int("n", 7))
	require.Equal(t, 7.5, s.Float("n", 7.5))

	s.Set("n2", "42")
	require.Equal(t, 42, s.Int("n2", 0))
}

func TestZonePercentRoundsDownToNearestTen(t *testing.T) {
	require.Equal(t, 70, ZonePercent(77.9))
	require.Equal(t, 0, ZonePercent(9))
	require.Equal(t, 100, ZonePercent(100))
}

func TestZoneReadsCompactionPrefixedKeys(t *testing.T) {
	s := New()
	s.Set("compaction.70.mode", "Branch")
	s.Set("compaction.70.compact_wm", "5")
	s.Set("compaction.70.gc_wm", "0.75")

	z := s.Zone(70)
	require.Equal(t, ModeBranch, z.Mode)
	require.Equal(t, 5, z.CompactWM)
	require.Equal(t, 0.75, z.GcWM)
}

func TestZoneDefaultsWhenUnset(t *testing.T) {
	s := New()
	z := s.Zone(50)
	require.Equal(t, ModeBranchAndCompact, z.Mode)
	require.EqualValues(t, 16<<20, z.BranchWM)
}

func TestDBBoolAndDBStringNamespaceByDBName(t *testing.T) {
	s := New()
	s.Set("db.main.mmap", "1")
	s.Set("db.main.compression", "lz4")
	require.True(t, s.DBBool("main", "mmap", false))
	require.Equal(t, "lz4", s.DBString("main", "compression", "none"))
	require.Equal(t, "none", s.DBString("other", "compression", "none"))
}

func TestLoadFileMergesYAMLSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sophia.yaml")
	doc := "settings:\n  scheduler.threads: \"8\"\n  db.main.sync: \"1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	s := New()
	require.NoError(t, s.LoadFile(path))
	require.Equal(t, 8, s.Int("scheduler.threads", 4))
	require.True(t, s.Bool("db.main.sync", false))
}

func TestAllRawReturnsUnderlyingMap(t *testing.T) {
	s := New()
	s.Set("db.main.key.0", "string")
	s.Set("db.main.key.1", "u64")
	all := s.AllRaw()
	require.Equal(t, "string", all["db.main.key.0"])
	require.Equal(t, "u64", all["db.main.key.1"])
}
