package execution

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
)

// EventDetail carries the venue context persisted with one transition.
// FillQty is the incremental quantity filled by this event, not the
// venue's cumulative total.
type EventDetail struct {
	ExchangeStatus  string
	FillQty         decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	ExchangeTradeID string
	RealizedPnL     decimal.NullDecimal
	Message         string
	RawPayload      []byte
}

// Manager serializes order status transitions. Every accepted transition
// appends exactly one lifecycle event; a transition that carries a fill
// also appends the trade and updates the position book, all in the same
// transaction. The per-order lock is shared by the executors and the
// order-sync loop.
type Manager struct {
	db  *sql.DB
	log zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	now func() time.Time
}

func NewManager(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{
		db:    db,
		log:   log.With().Str("component", "lifecycle").Logger(),
		locks: make(map[int64]*sync.Mutex),
		now:   time.Now,
	}
}

func (m *Manager) lockOrder(orderID int64) func() {
	m.mu.Lock()
	l, ok := m.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[orderID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Apply advances the order to a new status. The in-memory order is updated
// only after the transaction commits.
func (m *Manager) Apply(order *Order, to domain.OrderStatus, detail EventDetail) error {
	unlock := m.lockOrder(order.ID)
	defer unlock()
	return m.applyLocked(order, to, detail)
}

// ApplySequence advances the order through several statuses under a single
// hold of the order lock. The detail is recorded with the final status;
// intermediate catch-up events carry only the message and exchange status.
func (m *Manager) ApplySequence(order *Order, statuses []domain.OrderStatus, detail EventDetail) error {
	if len(statuses) == 0 {
		return nil
	}
	unlock := m.lockOrder(order.ID)
	defer unlock()

	for i, status := range statuses {
		d := detail
		if i < len(statuses)-1 {
			d = EventDetail{
				ExchangeStatus: detail.ExchangeStatus,
				Message:        "catch-up transition",
			}
		}
		if err := m.applyLocked(order, status, d); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyLocked(order *Order, to domain.OrderStatus, detail EventDetail) error {
	if err := Transition(order.Status, to); err != nil {
		return fmt.Errorf("order %s: %w", order.ClientOrderID, err)
	}

	ts := m.now().UTC().UnixMilli()
	newFilled := order.Filled
	if detail.FillQty.IsPositive() {
		newFilled = newFilled.Add(detail.FillQty)
	}

	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		if err := insertEvent(tx, order.ID, to, ts, detail); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE orders SET status = ?, filled = ?, updated_at = ? WHERE id = ?`,
			string(to), newFilled.String(), ts, order.ID,
		); err != nil {
			return fmt.Errorf("failed to update order %d: %w", order.ID, err)
		}
		if detail.FillQty.IsPositive() {
			realized, err := applyFill(tx, order, detail, ts)
			if err != nil {
				return err
			}
			if err := insertTrade(tx, order, detail, realized, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	from := order.Status
	order.Status = to
	order.Filled = newFilled
	order.UpdatedAt = ts

	evt := m.log.Debug()
	if to == domain.OrderStatusRejected {
		evt = m.log.Warn()
	}
	evt.Str("client_order_id", order.ClientOrderID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("filled", order.Filled.String()).
		Msg("Order transition")
	return nil
}

func insertEvent(tx *sql.Tx, orderID int64, status domain.OrderStatus, ts int64, detail EventDetail) error {
	var fillQty, fillPrice, fee, exchangeStatus, message, payload any
	if detail.FillQty.IsPositive() {
		fillQty = detail.FillQty.String()
		fillPrice = detail.FillPrice.String()
		fee = detail.Fee.String()
	}
	if detail.ExchangeStatus != "" {
		exchangeStatus = detail.ExchangeStatus
	}
	if detail.Message != "" {
		message = detail.Message
	}
	if len(detail.RawPayload) > 0 {
		payload = string(detail.RawPayload)
	}
	_, err := tx.Exec(
		`INSERT INTO order_lifecycle_events (order_id, status, ts, exchange_status, fill_qty, fill_price, fee, message, raw_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, string(status), ts, exchangeStatus, fillQty, fillPrice, fee, message, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

func insertTrade(tx *sql.Tx, order *Order, detail EventDetail, realized decimal.NullDecimal, ts int64) error {
	var tradeID, pnl, feeCcy any
	if detail.ExchangeTradeID != "" {
		tradeID = detail.ExchangeTradeID
	}
	if realized.Valid {
		pnl = realized.Decimal.String()
	}
	if detail.FeeCurrency != "" {
		feeCcy = detail.FeeCurrency
	}
	_, err := tx.Exec(
		`INSERT INTO trades (order_id, exchange_trade_id, symbol, side, price, amount, fee, fee_currency, realized_pnl, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, tradeID, order.Symbol, string(order.Side),
		detail.FillPrice.String(), detail.FillQty.String(), detail.Fee.String(), feeCcy, pnl, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// applyFill moves the position book for one fill. Opening adds size at a
// volume-weighted entry; reducing keeps the entry and realizes pnl against
// it. Returns the realized pnl recorded on the trade (the venue-reported
// value wins when present).
func applyFill(tx *sql.Tx, order *Order, detail EventDetail, ts int64) (decimal.NullDecimal, error) {
	posSide := positionSideFor(order.Side, order.PosSide, order.ReduceOnly)
	reducing := order.ReduceOnly ||
		(posSide == domain.PositionLong && order.Side == domain.SideSell) ||
		(posSide == domain.PositionShort && order.Side == domain.SideBuy)

	var sizeText, entryText string
	err := tx.QueryRow(
		`SELECT size, COALESCE(entry_price, '0') FROM positions WHERE symbol = ? AND pos_side = ?`,
		order.Symbol, string(posSide),
	).Scan(&sizeText, &entryText)
	if err != nil && err != sql.ErrNoRows {
		return decimal.NullDecimal{}, fmt.Errorf("failed to read position: %w", err)
	}
	size, entry := decimal.Zero, decimal.Zero
	if err == nil {
		if size, err = parseDecimal(sizeText); err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("position size: %w", err)
		}
		if entry, err = parseDecimal(entryText); err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("position entry: %w", err)
		}
	}

	realized := detail.RealizedPnL
	var newSize, newEntry decimal.Decimal
	if reducing {
		closed := decimal.Min(detail.FillQty, size)
		newSize = size.Sub(closed)
		newEntry = entry
		if newSize.IsZero() {
			newEntry = decimal.Zero
		}
		if !realized.Valid && closed.IsPositive() && entry.IsPositive() {
			diff := detail.FillPrice.Sub(entry)
			if posSide == domain.PositionShort {
				diff = diff.Neg()
			}
			realized = decimal.NullDecimal{Decimal: diff.Mul(closed), Valid: true}
		}
	} else {
		newSize = size.Add(detail.FillQty)
		notional := entry.Mul(size).Add(detail.FillPrice.Mul(detail.FillQty))
		newEntry = notional.Div(newSize)
	}

	var entryCol any
	if !newEntry.IsZero() {
		entryCol = newEntry.String()
	}
	_, err = tx.Exec(
		`INSERT INTO positions (symbol, pos_side, size, entry_price, leverage, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, pos_side) DO UPDATE SET
			size = excluded.size, entry_price = excluded.entry_price,
			leverage = excluded.leverage, updated_at = excluded.updated_at`,
		order.Symbol, string(posSide), newSize.String(), entryCol, orderLeverage(order), ts,
	)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("failed to update position: %w", err)
	}
	return realized, nil
}

func orderLeverage(order *Order) float64 {
	if order.Leverage > 0 {
		return order.Leverage
	}
	return 1
}

// Events returns the order's lifecycle history, oldest first.
func (m *Manager) Events(orderID int64) ([]LifecycleEvent, error) {
	rows, err := m.db.Query(
		`SELECT id, order_id, status, ts, COALESCE(exchange_status, ''), COALESCE(fill_qty, ''),
			COALESCE(fill_price, ''), COALESCE(fee, ''), COALESCE(message, ''), COALESCE(raw_payload, '')
		 FROM order_lifecycle_events WHERE order_id = ? ORDER BY ts, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		var status, qty, price, fee string
		if err := rows.Scan(&e.ID, &e.OrderID, &status, &e.Ts, &e.ExchangeStatus, &qty, &price, &fee, &e.Message, &e.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		e.Status = domain.OrderStatus(status)
		if e.FillQty, err = parseDecimal(qty); err != nil {
			return nil, fmt.Errorf("event fill_qty: %w", err)
		}
		if e.FillPrice, err = parseDecimal(price); err != nil {
			return nil, fmt.Errorf("event fill_price: %w", err)
		}
		if e.Fee, err = parseDecimal(fee); err != nil {
			return nil, fmt.Errorf("event fee: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
