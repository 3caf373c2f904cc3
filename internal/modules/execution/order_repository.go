package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// OrderRepository persists order rows. Status changes go through the
// lifecycle Manager, never directly through here.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, client_order_id, COALESCE(exchange_order_id, ''), symbol, side, order_type,
	COALESCE(price, ''), amount, filled, leverage, status, time_in_force, COALESCE(pos_side, ''), reduce_only,
	created_at, updated_at`

// Insert persists a fresh order and assigns its row id. The client order
// id must be unique; a duplicate is a bug in id generation.
func (r *OrderRepository) Insert(o *Order) error {
	now := time.Now().UTC().UnixMilli()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	var price, posSide, exchangeID any
	if !o.Price.IsZero() {
		price = o.Price.String()
	}
	if o.PosSide != "" && o.PosSide != domain.PositionFlat {
		posSide = string(o.PosSide)
	}
	if o.ExchangeOrderID != "" {
		exchangeID = o.ExchangeOrderID
	}

	res, err := r.db.Exec(
		`INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, order_type, price, amount,
			filled, leverage, status, time_in_force, pos_side, reduce_only, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, exchangeID, o.Symbol, string(o.Side), string(o.Type), price,
		o.Amount.String(), o.Filled.String(), o.Leverage, string(o.Status), string(o.TimeInForce),
		posSide, boolToInt(o.ReduceOnly), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ClientOrderID, err)
	}
	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read order id: %w", err)
	}
	return nil
}

// GetByClientID loads one order, nil when unknown.
func (r *OrderRepository) GetByClientID(clientOrderID string) (*Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

// GetByExchangeID loads one order by the venue's id, nil when unknown.
func (r *OrderRepository) GetByExchangeID(exchangeOrderID string) (*Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	return scanOrder(row)
}

// ListOpen returns every non-terminal order for the symbol, oldest first.
func (r *OrderRepository) ListOpen(symbol string) ([]Order, error) {
	rows, err := r.db.Query(
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = ? AND status IN (?, ?, ?) ORDER BY created_at, id`,
		symbol,
		string(domain.OrderStatusNew), string(domain.OrderStatusAccepted), string(domain.OrderStatusPartiallyFilled),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// SetExchangeID records the venue's order id after an acknowledgment.
func (r *OrderRepository) SetExchangeID(clientOrderID, exchangeOrderID string) error {
	_, err := r.db.Exec(
		`UPDATE orders SET exchange_order_id = ?, updated_at = ? WHERE client_order_id = ?`,
		exchangeOrderID, time.Now().UTC().UnixMilli(), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to set exchange order id: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row *sql.Row) (*Order, error) {
	o, err := scanOrderRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func scanOrderRow(row rowScanner) (*Order, error) {
	var o Order
	var price, amount, filled, side, otype, status, tif, posSide string
	var reduceOnly int
	err := row.Scan(
		&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &side, &otype,
		&price, &amount, &filled, &o.Leverage, &status, &tif, &posSide, &reduceOnly,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	o.PosSide = domain.PositionSide(posSide)
	o.ReduceOnly = reduceOnly != 0
	if o.Price, err = parseDecimal(price); err != nil {
		return nil, fmt.Errorf("order %s price: %w", o.ClientOrderID, err)
	}
	if o.Amount, err = parseDecimal(amount); err != nil {
		return nil, fmt.Errorf("order %s amount: %w", o.ClientOrderID, err)
	}
	if o.Filled, err = parseDecimal(filled); err != nil {
		return nil, fmt.Errorf("order %s filled: %w", o.ClientOrderID, err)
	}
	return &o, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
