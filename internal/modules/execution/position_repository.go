package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// PositionRepository reads and replaces position book rows. Fill-driven
// updates happen inside the lifecycle Manager's transaction; this type
// serves the allocator, the risk gate, and the account-sync loop.
type PositionRepository struct {
	db *sql.DB
}

func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Get loads one book entry, nil when the row does not exist.
func (r *PositionRepository) Get(symbol string, posSide domain.PositionSide) (*Position, error) {
	row := r.db.QueryRow(
		`SELECT symbol, pos_side, size, COALESCE(entry_price, ''), leverage,
			COALESCE(unrealized_pnl, ''), COALESCE(margin, ''), COALESCE(liquidation_price, ''), updated_at
		 FROM positions WHERE symbol = ? AND pos_side = ?`,
		symbol, string(posSide),
	)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// List returns every book entry for the symbol, including zero-size rows.
func (r *PositionRepository) List(symbol string) ([]Position, error) {
	rows, err := r.db.Query(
		`SELECT symbol, pos_side, size, COALESCE(entry_price, ''), leverage,
			COALESCE(unrealized_pnl, ''), COALESCE(margin, ''), COALESCE(liquidation_price, ''), updated_at
		 FROM positions WHERE symbol = ? ORDER BY pos_side`,
		symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// NetSize is the signed base-asset exposure: long size minus short size.
func (r *PositionRepository) NetSize(symbol string) (decimal.Decimal, error) {
	positions, err := r.List(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, p := range positions {
		switch p.PosSide {
		case domain.PositionLong:
			net = net.Add(p.Size)
		case domain.PositionShort:
			net = net.Sub(p.Size)
		}
	}
	return net, nil
}

// Upsert overwrites one book entry with the venue's view.
func (r *PositionRepository) Upsert(p Position) error {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().UTC().UnixMilli()
	}
	_, err := r.db.Exec(
		`INSERT INTO positions (symbol, pos_side, size, entry_price, leverage, unrealized_pnl, margin, liquidation_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, pos_side) DO UPDATE SET
			size = excluded.size, entry_price = excluded.entry_price, leverage = excluded.leverage,
			unrealized_pnl = excluded.unrealized_pnl, margin = excluded.margin,
			liquidation_price = excluded.liquidation_price, updated_at = excluded.updated_at`,
		p.Symbol, string(p.PosSide), p.Size.String(), decimalOrNil(p.EntryPrice),
		p.Leverage, nullDecimalOrNil(p.UnrealizedPnL), nullDecimalOrNil(p.Margin),
		nullDecimalOrNil(p.LiquidationPrice), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var posSide, size, entry, upl, margin, liq string
	err := row.Scan(&p.Symbol, &posSide, &size, &entry, &p.Leverage, &upl, &margin, &liq, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.PosSide = domain.PositionSide(posSide)
	if p.Size, err = parseDecimal(size); err != nil {
		return nil, fmt.Errorf("position size: %w", err)
	}
	if p.EntryPrice, err = parseDecimal(entry); err != nil {
		return nil, fmt.Errorf("position entry_price: %w", err)
	}
	if p.UnrealizedPnL, err = parseNullDecimal(upl); err != nil {
		return nil, fmt.Errorf("position unrealized_pnl: %w", err)
	}
	if p.Margin, err = parseNullDecimal(margin); err != nil {
		return nil, fmt.Errorf("position margin: %w", err)
	}
	if p.LiquidationPrice, err = parseNullDecimal(liq); err != nil {
		return nil, fmt.Errorf("position liquidation_price: %w", err)
	}
	return &p, nil
}

func parseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func decimalOrNil(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func nullDecimalOrNil(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}
