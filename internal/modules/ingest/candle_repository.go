package ingest

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
)

// CandleRepository owns all candle writes. Candles are insert-or-ignore by
// (symbol, timeframe, ts), which makes re-ingesting a range a no-op.
type CandleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewCandleRepository(db *sql.DB, log zerolog.Logger) *CandleRepository {
	return &CandleRepository{
		db:  db,
		log: log.With().Str("repo", "candle").Logger(),
	}
}

// UpsertBatch validates and inserts closed bars in one transaction and
// returns how many rows were actually new. Rows already present are left
// untouched.
func (r *CandleRepository) UpsertBatch(candles []domain.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare candle insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range candles {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("refusing to persist invalid candle: %w", err)
			}
			res, err := stmt.Exec(c.Symbol, string(c.Timeframe), c.Ts, c.Open, c.High, c.Low, c.Close, c.Volume)
			if err != nil {
				return fmt.Errorf("failed to insert candle: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LatestTs returns the newest stored bar timestamp, or 0 when the range is
// empty.
func (r *CandleRepository) LatestTs(symbol string, tf domain.Timeframe) (int64, error) {
	var ts int64
	err := r.db.QueryRow(
		`SELECT COALESCE(MAX(ts), 0) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest candle ts: %w", err)
	}
	return ts, nil
}

// TsBounds returns the oldest and newest stored bar timestamps, both 0 when
// the series is empty.
func (r *CandleRepository) TsBounds(symbol string, tf domain.Timeframe) (int64, int64, error) {
	var minTs, maxTs int64
	err := r.db.QueryRow(
		`SELECT COALESCE(MIN(ts), 0), COALESCE(MAX(ts), 0) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	).Scan(&minTs, &maxTs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read candle ts bounds: %w", err)
	}
	return minTs, maxTs, nil
}

// ListTimestamps returns stored bar timestamps in [startTs, endTs],
// ascending. Integrity scans diff this against the expected grid.
func (r *CandleRepository) ListTimestamps(symbol string, tf domain.Timeframe, startTs, endTs int64) ([]int64, error) {
	rows, err := r.db.Query(
		`SELECT ts FROM candles WHERE symbol = ? AND timeframe = ? AND ts BETWEEN ? AND ? ORDER BY ts ASC`,
		symbol, string(tf), startTs, endTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list candle timestamps: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan candle ts: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// CountRange returns how many bars are stored in [startTs, endTs].
func (r *CandleRepository) CountRange(symbol string, tf domain.Timeframe, startTs, endTs int64) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND timeframe = ? AND ts BETWEEN ? AND ?`,
		symbol, string(tf), startTs, endTs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}
