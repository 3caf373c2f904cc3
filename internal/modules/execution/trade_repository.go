package execution

import (
	"database/sql"
	"fmt"

	"github.com/meridianq/perpcore/internal/domain"
)

// TradeRepository reads trade rows. Inserts happen inside the lifecycle
// Manager's fill transaction.
type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `id, COALESCE(order_id, 0), COALESCE(exchange_trade_id, ''), symbol, side,
	price, amount, fee, COALESCE(fee_currency, ''), COALESCE(realized_pnl, ''), ts`

// ListByOrder returns the order's fills, oldest first.
func (r *TradeRepository) ListByOrder(orderID int64) ([]Trade, error) {
	rows, err := r.db.Query(`SELECT `+tradeColumns+` FROM trades WHERE order_id = ? ORDER BY ts, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return collectTrades(rows)
}

// ListSince returns the symbol's trades at or after sinceMs, oldest first.
func (r *TradeRepository) ListSince(symbol string, sinceMs int64) ([]Trade, error) {
	rows, err := r.db.Query(
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND ts >= ? ORDER BY ts, id`,
		symbol, sinceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]Trade, error) {
	defer rows.Close()
	var trades []Trade
	for rows.Next() {
		var t Trade
		var side, price, amount, fee, pnl string
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.ExchangeTradeID, &t.Symbol, &side,
			&price, &amount, &fee, &t.FeeCurrency, &pnl, &t.Ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		var err error
		if t.Price, err = parseDecimal(price); err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("trade amount: %w", err)
		}
		if t.Fee, err = parseDecimal(fee); err != nil {
			return nil, fmt.Errorf("trade fee: %w", err)
		}
		if t.RealizedPnL, err = parseNullDecimal(pnl); err != nil {
			return nil, fmt.Errorf("trade realized_pnl: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
