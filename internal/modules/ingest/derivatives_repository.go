package ingest

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
)

// DerivativesRepository writes funding rates and mark/index/last price
// snapshots.
type DerivativesRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewDerivativesRepository(db *sql.DB, log zerolog.Logger) *DerivativesRepository {
	return &DerivativesRepository{
		db:  db,
		log: log.With().Str("repo", "derivatives").Logger(),
	}
}

// InsertFunding records one funding observation. The venue republishes the
// same settlement until the next one, so (symbol, ts) collisions are
// expected and ignored. Returns whether a new row was written.
func (r *DerivativesRepository) InsertFunding(f domain.FundingRate) (bool, error) {
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO funding_rates (symbol, ts, rate, next_funding_ts) VALUES (?, ?, ?, ?)`,
		f.Symbol, f.Ts, f.Rate, f.NextFundingTs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert funding rate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// InsertPriceSnapshot appends one mark/index/last observation.
func (r *DerivativesRepository) InsertPriceSnapshot(p domain.PriceSnapshot) error {
	_, err := r.db.Exec(
		`INSERT INTO price_snapshots (symbol, ts, last_price, mark_price, index_price) VALUES (?, ?, ?, ?, ?)`,
		p.Symbol, p.Ts, p.Last, p.Mark, p.Index,
	)
	if err != nil {
		return fmt.Errorf("failed to insert price snapshot: %w", err)
	}
	return nil
}
