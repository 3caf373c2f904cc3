package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/database"
)

const (
	archivePrefix  = "perpcore-"
	archiveSuffix  = ".tar.gz"
	archiveTimeFmt = "2006-01-02-150405"
)

// BackupConfig controls local snapshot backups.
type BackupConfig struct {
	Dir        string // archive directory; empty disables backups
	Keep       int    // newest archives kept regardless of age; default 3
	RetainDays int    // archives older than this are rotated out; 0 keeps everything beyond Keep
}

// Manifest describes the snapshot inside an archive.
type Manifest struct {
	CreatedAt time.Time `json:"created_at"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupJob snapshots the database into a tar.gz archive and rotates old
// archives. The snapshot uses VACUUM INTO, so it is consistent without
// stopping writers.
type BackupJob struct {
	db  *database.DB
	cfg BackupConfig
	log zerolog.Logger
	now func() time.Time
}

func NewBackupJob(db *database.DB, cfg BackupConfig, log zerolog.Logger) *BackupJob {
	if cfg.Keep <= 0 {
		cfg.Keep = 3
	}
	return &BackupJob{
		db:  db,
		cfg: cfg,
		log: log.With().Str("job", "snapshot_backup").Logger(),
		now: time.Now,
	}
}

func (j *BackupJob) Name() string { return "snapshot_backup" }

func (j *BackupJob) Run(ctx context.Context) error {
	path, err := j.Snapshot(ctx)
	if err != nil {
		return err
	}
	deleted, err := j.Rotate()
	if err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	j.log.Info().Str("archive", filepath.Base(path)).Int("rotated", deleted).Msg("Backup completed")
	return nil
}

// Snapshot writes one archive under cfg.Dir and returns its path. The
// archive holds the database copy plus a manifest with its checksum.
func (j *BackupJob) Snapshot(ctx context.Context) (string, error) {
	if j.cfg.Dir == "" {
		return "", fmt.Errorf("backup directory not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(j.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	staging, err := os.MkdirTemp(j.cfg.Dir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	dbCopy := filepath.Join(staging, "perpcore.db")
	if err := j.db.SnapshotTo(dbCopy); err != nil {
		return "", err
	}

	info, err := os.Stat(dbCopy)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(dbCopy)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	manifest := Manifest{
		CreatedAt: j.now().UTC(),
		Database:  "perpcore.db",
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	manifestPath := filepath.Join(staging, "manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	name := archivePrefix + manifest.CreatedAt.Format(archiveTimeFmt) + archiveSuffix
	archivePath := filepath.Join(j.cfg.Dir, name)
	if err := createArchive(archivePath, dbCopy, manifestPath); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	return archivePath, nil
}

// Rotate deletes archives older than RetainDays, always keeping the Keep
// newest. Returns how many were deleted.
func (j *BackupJob) Rotate() (int, error) {
	archives, err := j.listArchives()
	if err != nil {
		return 0, err
	}
	if len(archives) <= j.cfg.Keep || j.cfg.RetainDays <= 0 {
		return 0, nil
	}

	cutoff := j.now().UTC().AddDate(0, 0, -j.cfg.RetainDays)
	deleted := 0
	for i, a := range archives {
		if i < j.cfg.Keep || !a.ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(a.path); err != nil {
			j.log.Warn().Err(err).Str("archive", filepath.Base(a.path)).Msg("Failed to delete old archive")
			continue
		}
		deleted++
	}
	return deleted, nil
}

type archiveEntry struct {
	path string
	ts   time.Time
}

// listArchives returns backups newest first, identified by the timestamp
// encoded in the filename.
func (j *BackupJob) listArchives() ([]archiveEntry, error) {
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var archives []archiveEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
		ts, err := time.Parse(archiveTimeFmt, raw)
		if err != nil {
			j.log.Warn().Str("archive", name).Msg("Skipping archive with unparseable timestamp")
			continue
		}
		archives = append(archives, archiveEntry{path: filepath.Join(j.cfg.Dir, name), ts: ts})
	}
	sort.Slice(archives, func(a, b int) bool { return archives[a].ts.After(archives[b].ts) })
	return archives, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, m Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func createArchive(archivePath string, files ...string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("failed to add %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
