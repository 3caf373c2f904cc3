package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/database"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

func TestBackupSnapshotArchive(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	dir := t.TempDir()
	job := NewBackupJob(db, BackupConfig{Dir: dir}, zerolog.Nop())
	job.now = func() time.Time {
		return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	}

	path, err := job.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "perpcore-2024-03-15-103000.tar.gz", filepath.Base(path))

	files := extractArchive(t, path)
	require.Contains(t, files, "perpcore.db")
	require.Contains(t, files, "manifest.json")

	var manifest Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "perpcore.db", manifest.Database)
	assert.Equal(t, int64(len(files["perpcore.db"])), manifest.SizeBytes)

	// The extracted copy must be a healthy database with the right checksum.
	extracted := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(extracted, files["perpcore.db"], 0o644))

	sum, err := fileChecksum(extracted)
	require.NoError(t, err)
	assert.Equal(t, manifest.Checksum, sum)

	restored, err := database.New(database.Config{Path: extracted, Profile: database.ProfileStandard})
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.HealthCheck(context.Background()))
}

func TestBackupSnapshotRequiresDir(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	job := NewBackupJob(db, BackupConfig{}, zerolog.Nop())
	_, err := job.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup directory not configured")
}

func TestBackupRotateKeepsNewest(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	dir := t.TempDir()
	names := []string{
		"perpcore-2024-01-19-120000.tar.gz",
		"perpcore-2024-01-18-120000.tar.gz",
		"perpcore-2024-01-10-120000.tar.gz",
		"perpcore-2024-01-05-120000.tar.gz",
		"unrelated.txt",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	job := NewBackupJob(db, BackupConfig{Dir: dir, Keep: 2, RetainDays: 7}, zerolog.Nop())
	job.now = func() time.Time {
		return time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	}

	deleted, err := job.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.FileExists(t, filepath.Join(dir, "perpcore-2024-01-19-120000.tar.gz"))
	assert.FileExists(t, filepath.Join(dir, "perpcore-2024-01-18-120000.tar.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "perpcore-2024-01-10-120000.tar.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "perpcore-2024-01-05-120000.tar.gz"))
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))
}

func TestBackupRotateWithoutRetentionKeepsAll(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	dir := t.TempDir()
	for _, name := range []string{
		"perpcore-2020-01-01-000000.tar.gz",
		"perpcore-2020-01-02-000000.tar.gz",
		"perpcore-2020-01-03-000000.tar.gz",
		"perpcore-2020-01-04-000000.tar.gz",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	job := NewBackupJob(db, BackupConfig{Dir: dir, Keep: 2}, zerolog.Nop())
	deleted, err := job.Rotate()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func extractArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = data
	}
	return files
}
