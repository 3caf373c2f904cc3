// Package reliability holds the loops that keep a long-running daemon
// healthy: WAL checkpoints, integrity checks, resource monitoring, and
// optional local snapshot backups.
package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/meridianq/perpcore/internal/database"
)

// MaintenanceConfig tunes one maintenance job instance. The daemon runs a
// frequent instance (PASSIVE checkpoint, quick ping) and a daily one
// (TRUNCATE checkpoint, full integrity check, VACUUM).
type MaintenanceConfig struct {
	CheckpointMode string  // PASSIVE | FULL | RESTART | TRUNCATE; empty means TRUNCATE
	FullIntegrity  bool    // run PRAGMA integrity_check instead of a plain ping
	Vacuum         bool    // reclaim space after the checkpoint
	MinFreeDiskGB  float64 // fail the tick below this free space; <= 0 disables
}

// MaintenanceJob keeps the database file healthy and bounded.
type MaintenanceJob struct {
	db  *database.DB
	cfg MaintenanceConfig
	log zerolog.Logger
}

func NewMaintenanceJob(db *database.DB, cfg MaintenanceConfig, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:  db,
		cfg: cfg,
		log: log.With().Str("job", "maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "maintenance" }

func (j *MaintenanceJob) Run(ctx context.Context) error {
	start := time.Now()

	if j.cfg.FullIntegrity {
		if err := j.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database integrity check failed: %w", err)
		}
	} else if err := j.db.QuickCheck(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	// Checkpoint failure is not fatal: the WAL keeps growing but data is safe.
	if err := j.db.WALCheckpoint(j.cfg.CheckpointMode); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if j.cfg.Vacuum {
		if err := j.db.Vacuum(); err != nil {
			j.log.Warn().Err(err).Msg("Vacuum failed")
		}
	}

	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}
	j.logStats()

	j.log.Debug().Dur("duration", time.Since(start)).Msg("Maintenance pass completed")
	return nil
}

func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) error {
	if j.cfg.MinFreeDiskGB <= 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, filepath.Dir(j.db.Path()))
	if err != nil {
		return fmt.Errorf("failed to stat data volume: %w", err)
	}
	freeGB := float64(usage.Free) / 1e9
	if freeGB < j.cfg.MinFreeDiskGB {
		return fmt.Errorf("only %.2f GB free on data volume, need %.2f", freeGB, j.cfg.MinFreeDiskGB)
	}
	j.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")
	return nil
}

func (j *MaintenanceJob) logStats() {
	stats, err := j.db.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read database stats")
		return
	}
	j.log.Info().
		Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
		Int64("freelist_pages", stats.FreelistCount).
		Msg("Database stats")
}
