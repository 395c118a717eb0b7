package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestRunCopiesNodeFilesSchemeAndLogsThenFinalizes(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()

	writeFile(t, filepath.Join(src, "scheme"), "scheme-bytes")
	writeFile(t, filepath.Join(src, "1.db"), "node-one")
	writeFile(t, filepath.Join(src, "2.db"), "node-two")
	writeFile(t, filepath.Join(src, "3.log"), "log-bytes")

	job := New(root, 42)
	job.DBs["main"] = DatabaseFiles{
		Name:       "main",
		NodeFiles:  []string{filepath.Join(src, "1.db"), filepath.Join(src, "2.db")},
		SchemePath: filepath.Join(src, "scheme"),
	}
	job.Logs = []string{filepath.Join(src, "3.log")}

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, Complete, job.State())

	finalDir := FinalDir(root, 42)
	got, err := os.ReadFile(filepath.Join(finalDir, "main", "scheme"))
	require.NoError(t, err)
	require.Equal(t, "scheme-bytes", string(got))

	got, err = os.ReadFile(filepath.Join(finalDir, "main", "1.db"))
	require.NoError(t, err)
	require.Equal(t, "node-one", string(got))

	got, err = os.ReadFile(filepath.Join(finalDir, "log", "3.log"))
	require.NoError(t, err)
	require.Equal(t, "log-bytes", string(got))

	_, err = os.Stat(IncompleteDir(root, 42))
	require.True(t, os.IsNotExist(err))
}

func TestManifestRecordsChecksumPerCopiedFile(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(src, "scheme"), "abc")
	writeFile(t, filepath.Join(src, "1.db"), "xyz")

	job := New(root, 1)
	job.DBs["main"] = DatabaseFiles{Name: "main", NodeFiles: []string{filepath.Join(src, "1.db")}, SchemePath: filepath.Join(src, "scheme")}

	require.NoError(t, job.Run(context.Background()))

	m := job.Manifest()
	require.EqualValues(t, 1, m.BSN)
	require.Contains(t, m.Files, filepath.Join("main", "scheme"))
	require.Contains(t, m.Files, filepath.Join("main", "1.db"))
}

func TestRunFailsWithoutFinalizingWhenSourceFileMissing(t *testing.T) {
	root := t.TempDir()
	job := New(root, 9)
	job.DBs["main"] = DatabaseFiles{Name: "main", NodeFiles: []string{"/no/such/file"}, SchemePath: "/no/such/scheme"}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := job.Run(ctx)
	require.Error(t, err)
	require.NotEqual(t, Complete, job.State())

	_, statErr := os.Stat(FinalDir(root, 9))
	require.True(t, os.IsNotExist(statErr))
}
