package ingest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianq/perpcore/internal/domain"
)

// Run statuses recorded in ingestion_runs.
const (
	runStatusRunning = "RUNNING"
	runStatusSuccess = "SUCCESS"
	runStatusFailed  = "FAILED"
)

// RunRepository keeps an audit trail of ingest ticks, one row per
// (symbol, timeframe) sync.
type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start opens a RUNNING row and returns its id.
func (r *RunRepository) Start(symbol string, tf domain.Timeframe, sinceTs int64) (int64, error) {
	res, err := r.db.Exec(
		`INSERT INTO ingestion_runs (symbol, timeframe, started_at, since_ts, status) VALUES (?, ?, ?, ?, ?)`,
		symbol, string(tf), time.Now().UTC().UnixMilli(), sinceTs, runStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to start ingestion run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read ingestion run id: %w", err)
	}
	return id, nil
}

// Finish closes the row with counters and the final status. A non-nil
// runErr marks the run FAILED and stores the message.
func (r *RunRepository) Finish(id int64, rowsFetched, rowsInserted int, runErr error) error {
	status := runStatusSuccess
	var errText sql.NullString
	if runErr != nil {
		status = runStatusFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.db.Exec(
		`UPDATE ingestion_runs SET finished_at = ?, rows_fetched = ?, rows_inserted = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), rowsFetched, rowsInserted, status, errText, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish ingestion run: %w", err)
	}
	return nil
}
