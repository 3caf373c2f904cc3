package reconcile

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// BalanceRow is one persisted balance observation.
type BalanceRow struct {
	Currency string
	Ts       int64
	Total    decimal.Decimal
	Free     decimal.Decimal
	Used     decimal.Decimal
}

// SnapshotRepository persists the audit trail of account syncs: the
// balances time series plus raw balance and position snapshots.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertBalances appends one observation per currency. (currency, ts) is
// the primary key, so re-running a sync inside the same millisecond is a
// no-op. Returns how many rows were actually inserted.
func (r *SnapshotRepository) InsertBalances(balances []domain.Balance, ts int64) (int, error) {
	inserted := 0
	for _, b := range balances {
		res, err := r.db.Exec(
			`INSERT INTO balances (currency, ts, total, free, used) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(currency, ts) DO NOTHING`,
			b.Currency, ts, b.Total.String(), b.Free.String(), b.Used.String(),
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert balance %s: %w", b.Currency, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read balance insert result: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// LatestBalance returns the newest observation for the currency, nil when
// the currency has never been seen.
func (r *SnapshotRepository) LatestBalance(currency string) (*BalanceRow, error) {
	row := r.db.QueryRow(
		`SELECT currency, ts, total, free, used FROM balances
		 WHERE currency = ? ORDER BY ts DESC LIMIT 1`,
		currency,
	)
	var b BalanceRow
	var total, free, used string
	err := row.Scan(&b.Currency, &b.Ts, &total, &free, &used)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan balance: %w", err)
	}
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("balance total: %w", err)
	}
	if b.Free, err = decimal.NewFromString(free); err != nil {
		return nil, fmt.Errorf("balance free: %w", err)
	}
	if b.Used, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("balance used: %w", err)
	}
	return &b, nil
}

// SnapshotBalances records one raw balance payload for the sync pass.
func (r *SnapshotRepository) SnapshotBalances(exchange, accountID string, ts int64, raw []byte) error {
	_, err := r.db.Exec(
		`INSERT INTO balance_snapshots (exchange, account_id, ts, raw_payload) VALUES (?, ?, ?, ?)`,
		exchange, nullString(accountID), ts, nullString(string(raw)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	return nil
}

// SnapshotPosition records one raw position payload.
func (r *SnapshotRepository) SnapshotPosition(exchange, accountID, symbol string, ts int64, raw []byte) error {
	_, err := r.db.Exec(
		`INSERT INTO position_snapshots (exchange, account_id, symbol, ts, raw_payload) VALUES (?, ?, ?, ?, ?)`,
		exchange, nullString(accountID), symbol, ts, nullString(string(raw)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position snapshot: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
