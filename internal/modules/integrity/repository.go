// Package integrity scans the candle store for holes and duplicates,
// queues repair jobs, and refetches missing ranges from the venue.
package integrity

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
)

// EventRepository persists integrity events to candle_integrity_events.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "integrity_event").Logger(),
	}
}

// Insert stores one event and returns its row id.
func (r *EventRepository) Insert(ev domain.IntegrityEvent) (int64, error) {
	var jobID sql.NullString
	if ev.RepairJobID != "" {
		jobID = sql.NullString{String: ev.RepairJobID, Valid: true}
	}
	res, err := r.db.Exec(`
		INSERT INTO candle_integrity_events
			(symbol, timeframe, event_type, start_ts, end_ts, expected_bars, actual_bars, severity, detected_at, repair_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Symbol, string(ev.Timeframe), ev.Type, ev.StartTs, ev.EndTs,
		ev.ExpectedBars, ev.ActualBars, ev.Severity, ev.DetectedAt, jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert integrity event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read integrity event id: %w", err)
	}
	return id, nil
}

// AttachJob links an already-stored event to the repair job queued for it.
func (r *EventRepository) AttachJob(eventID int64, jobID string) error {
	_, err := r.db.Exec(
		`UPDATE candle_integrity_events SET repair_job_id = ? WHERE id = ?`,
		jobID, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach repair job to event: %w", err)
	}
	return nil
}

// ListByType returns events of one type for a series, newest first.
func (r *EventRepository) ListByType(symbol string, tf domain.Timeframe, eventType string, limit int) ([]domain.IntegrityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, symbol, timeframe, event_type, start_ts, end_ts, expected_bars, actual_bars, severity, detected_at, repair_job_id
		FROM candle_integrity_events
		WHERE symbol = ? AND timeframe = ? AND event_type = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`,
		symbol, string(tf), eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.IntegrityEvent, error) {
	var out []domain.IntegrityEvent
	for rows.Next() {
		var ev domain.IntegrityEvent
		var tf string
		var jobID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Symbol, &tf, &ev.Type, &ev.StartTs, &ev.EndTs,
			&ev.ExpectedBars, &ev.ActualBars, &ev.Severity, &ev.DetectedAt, &jobID); err != nil {
			return nil, fmt.Errorf("failed to scan integrity event: %w", err)
		}
		ev.Timeframe = domain.Timeframe(tf)
		ev.RepairJobID = jobID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// JobRepository persists repair jobs to candle_repair_jobs.
type JobRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewJobRepository(db *sql.DB, log zerolog.Logger) *JobRepository {
	return &JobRepository{
		db:  db,
		log: log.With().Str("repo", "repair_job").Logger(),
	}
}

// Insert stores a new job row.
func (r *JobRepository) Insert(job domain.RepairJob) error {
	_, err := r.db.Exec(`
		INSERT INTO candle_repair_jobs
			(job_id, symbol, timeframe, start_ts, end_ts, status, repaired_bars, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Symbol, string(job.Timeframe), job.StartTs, job.EndTs,
		job.Status, job.RepairedBars, job.Message, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert repair job: %w", err)
	}
	return nil
}

// Get returns one job by id, nil when absent.
func (r *JobRepository) Get(jobID string) (*domain.RepairJob, error) {
	row := r.db.QueryRow(`
		SELECT job_id, symbol, timeframe, start_ts, end_ts, status, repaired_bars, message, created_at, updated_at
		FROM candle_repair_jobs WHERE job_id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// FindActive returns the PENDING or RUNNING job covering exactly this
// range, nil when none exists.
func (r *JobRepository) FindActive(symbol string, tf domain.Timeframe, startTs, endTs int64) (*domain.RepairJob, error) {
	row := r.db.QueryRow(`
		SELECT job_id, symbol, timeframe, start_ts, end_ts, status, repaired_bars, message, created_at, updated_at
		FROM candle_repair_jobs
		WHERE symbol = ? AND timeframe = ? AND start_ts = ? AND end_ts = ? AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		symbol, string(tf), startTs, endTs, domain.RepairPending, domain.RepairRunning,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListPending returns queued jobs oldest first.
func (r *JobRepository) ListPending() ([]domain.RepairJob, error) {
	rows, err := r.db.Query(`
		SELECT job_id, symbol, timeframe, start_ts, end_ts, status, repaired_bars, message, created_at, updated_at
		FROM candle_repair_jobs WHERE status = ? ORDER BY created_at ASC, job_id ASC`,
		domain.RepairPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending repair jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.RepairJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// MarkRunning claims a PENDING job. Returns false when another worker got
// there first or the job is no longer pending.
func (r *JobRepository) MarkRunning(jobID string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE candle_repair_jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		domain.RepairRunning, time.Now().UTC().UnixMilli(), jobID, domain.RepairPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark repair job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read repair job update count: %w", err)
	}
	return n > 0, nil
}

// Complete marks the job DONE with the number of bars actually written.
func (r *JobRepository) Complete(jobID string, repairedBars int) error {
	_, err := r.db.Exec(
		`UPDATE candle_repair_jobs SET status = ?, repaired_bars = ?, updated_at = ? WHERE job_id = ?`,
		domain.RepairDone, repairedBars, time.Now().UTC().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete repair job: %w", err)
	}
	return nil
}

// Fail marks the job FAILED and records the cause.
func (r *JobRepository) Fail(jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.Exec(
		`UPDATE candle_repair_jobs SET status = ?, message = ?, updated_at = ? WHERE job_id = ?`,
		domain.RepairFailed, msg, time.Now().UTC().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to fail repair job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.RepairJob, error) {
	var job domain.RepairJob
	var tf string
	var msg sql.NullString
	err := row.Scan(&job.JobID, &job.Symbol, &tf, &job.StartTs, &job.EndTs,
		&job.Status, &job.RepairedBars, &msg, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Timeframe = domain.Timeframe(tf)
	job.Message = msg.String
	return &job, nil
}
