package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianq/perpcore/internal/domain"
)

// Event is one persisted risk event.
type Event struct {
	ID      int64
	Ts      int64
	Symbol  string
	Level   string
	Rule    string
	Details string
}

// EventRepository persists risk events. A default symbol is bound at
// construction so that sinks without symbol context (ingest stalls,
// maintenance warnings) still produce attributable rows.
type EventRepository struct {
	db     *sql.DB
	symbol string
}

func NewEventRepository(db *sql.DB, symbol string) *EventRepository {
	return &EventRepository{db: db, symbol: symbol}
}

// Record inserts one event.
func (r *EventRepository) Record(symbol, level, rule, details string) error {
	if symbol == "" {
		symbol = r.symbol
	}
	_, err := r.db.Exec(
		`INSERT INTO risk_events (ts, symbol, level, rule, details) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().UnixMilli(), symbol, level, rule, details,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk event: %w", err)
	}
	return nil
}

// RecordEvent records an event against the bound symbol. It satisfies the
// ingest worker's sink interface.
func (r *EventRepository) RecordEvent(level, rule, message string) error {
	return r.Record(r.symbol, level, rule, message)
}

// ListRecent returns the newest events, newest first.
func (r *EventRepository) ListRecent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, ts, symbol, level, rule, COALESCE(details, '')
		 FROM risk_events ORDER BY ts DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Ts, &e.Symbol, &e.Level, &e.Rule, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Store reads the account state the gate's stateful rules need from the
// positions and trades tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ActivePosition returns the side of the open position, PositionFlat when
// nothing is open. One-position exclusivity means at most one row carries
// a nonzero size.
func (s *Store) ActivePosition(symbol string) (domain.PositionSide, error) {
	var side string
	err := s.db.QueryRow(
		`SELECT pos_side FROM positions WHERE symbol = ? AND CAST(size AS REAL) > 0 LIMIT 1`,
		symbol,
	).Scan(&side)
	if err == sql.ErrNoRows {
		return domain.PositionFlat, nil
	}
	if err != nil {
		return domain.PositionFlat, fmt.Errorf("failed to read active position: %w", err)
	}
	return domain.PositionSide(side), nil
}

// RealizedPnLSince sums realized pnl over trades at or after sinceMs.
func (s *Store) RealizedPnLSince(symbol string, sinceMs int64) (float64, error) {
	var pnl float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(CAST(realized_pnl AS REAL)), 0)
		 FROM trades WHERE symbol = ? AND ts >= ? AND realized_pnl IS NOT NULL`,
		symbol, sinceMs,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl, nil
}

// LossStreak counts consecutive losing trades walking backwards from the
// most recent realized trade, and returns the latest trade timestamp of
// that run.
func (s *Store) LossStreak(symbol string) (int, int64, error) {
	rows, err := s.db.Query(
		`SELECT CAST(realized_pnl AS REAL), ts FROM trades
		 WHERE symbol = ? AND realized_pnl IS NOT NULL
		 ORDER BY ts DESC, id DESC LIMIT 50`,
		symbol,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query trade history: %w", err)
	}
	defer rows.Close()

	streak := 0
	var lastTs int64
	for rows.Next() {
		var pnl float64
		var ts int64
		if err := rows.Scan(&pnl, &ts); err != nil {
			return 0, 0, fmt.Errorf("failed to scan trade: %w", err)
		}
		if pnl >= 0 {
			break
		}
		if streak == 0 {
			lastTs = ts
		}
		streak++
	}
	return streak, lastTs, rows.Err()
}
