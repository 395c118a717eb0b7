// Settings surface: a flat map[string]string with typed accessors,
// per spec.md §6's configuration table.
package sophia

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/jpl-au/sophia/internal/config"
	"github.com/jpl-au/sophia/internal/keys"
)

// Settings wraps internal/config.Settings with the public get/set
// surface spec.md §6 names (Environment: get_setting, set_setting).
type Settings struct {
	inner *config.Settings
}

// NewSettings returns an empty settings object.
func NewSettings() *Settings { return &Settings{inner: config.New()} }

// Set implements set_setting.
func (s *Settings) Set(key, value string) *Settings {
	s.inner.Set(key, value)
	return s
}

// Get implements get_setting.
func (s *Settings) Get(key string) (string, bool) { return s.inner.Get(key) }

// GetDefault returns the setting for key, or def if it is unset.
func (s *Settings) GetDefault(key, def string) string { return s.inner.GetDefault(key, def) }

// LoadFile merges a YAML settings document into s.
func (s *Settings) LoadFile(path string) error { return s.inner.LoadFile(path) }

// keyPartEntry parses a "db.<name>.key.<n>" setting key into its
// database name and part index.
var keyPartEntry = func(key string) (dbName string, idx int, ok bool) {
	const prefix = "db."
	const mid = ".key."
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, mid)
	if i < 0 {
		return "", 0, false
	}
	dbName = rest[:i]
	idxStr := rest[i+len(mid):]
	n, err := strconv.Atoi(idxStr)
	if err != nil {
		return "", 0, false
	}
	return dbName, n, true
}

// schemaFor builds a keys.Schema from every "db.<name>.key.<n>" entry,
// each formatted "partname:type" where type is one of string, u32,
// u32rev, u64, u64rev (spec.md §6: "db.<name>.key.<part>: key part
// type; at least one required").
func (s *Settings) schemaFor(dbName string) (*keys.Schema, error) {
	type indexed struct {
		idx  int
		part keys.Part
	}
	var found []indexed

	for k, v := range s.inner.AllRaw() {
		name, idx, ok := keyPartEntry(k)
		if !ok || name != dbName {
			continue
		}
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("sophia: malformed key part setting %q=%q", k, v)
		}
		pt, err := parsePartType(parts[1])
		if err != nil {
			return nil, fmt.Errorf("sophia: %s: %w", k, err)
		}
		found = append(found, indexed{idx: idx, part: keys.Part{Name: parts[0], Type: pt}})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("sophia: database %q has no db.%s.key.* settings", dbName, dbName)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })
	ordered := make([]keys.Part, len(found))
	for i, f := range found {
		ordered[i] = f.part
	}
	return keys.NewSchema(ordered...)
}

func parsePartType(s string) (keys.PartType, error) {
	switch s {
	case "string":
		return keys.PartString, nil
	case "u32":
		return keys.PartU32, nil
	case "u32rev":
		return keys.PartU32Rev, nil
	case "u64":
		return keys.PartU64, nil
	case "u64rev":
		return keys.PartU64Rev, nil
	default:
		return 0, fmt.Errorf("unknown key part type %q", s)
	}
}

func (s *Settings) nodeSize() datasize.ByteSize {
	v, _ := s.inner.Size("compaction.node_size", 64<<20)
	return v
}

func (s *Settings) pageSize() datasize.ByteSize {
	v, _ := s.inner.Size("compaction.page_size", 64<<10)
	return v
}

func (s *Settings) memoryLimit() datasize.ByteSize {
	v, _ := s.inner.Size("memory.limit", 0)
	return v
}
