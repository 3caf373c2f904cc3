package execution

import (
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// Order is the local order row. Amount and fill quantities are decimals;
// they round-trip the database as text.
type Order struct {
	ID              int64
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            domain.Side
	Type            domain.OrderType
	Price           decimal.Decimal // zero for market orders
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	Leverage        float64
	Status          domain.OrderStatus
	TimeInForce     domain.TimeInForce
	PosSide         domain.PositionSide
	ReduceOnly      bool
	CreatedAt       int64
	UpdatedAt       int64
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// LifecycleEvent is one append-only history row. Events are the source of
// truth for reconstructing an order.
type LifecycleEvent struct {
	ID             int64
	OrderID        int64
	Status         domain.OrderStatus
	Ts             int64
	ExchangeStatus string
	FillQty        decimal.Decimal
	FillPrice      decimal.Decimal
	Fee            decimal.Decimal
	Message        string
	RawPayload     string
}

// Trade is one realized fill row.
type Trade struct {
	ID              int64
	OrderID         int64
	ExchangeTradeID string
	Symbol          string
	Side            domain.Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	RealizedPnL     decimal.NullDecimal
	Ts              int64
}

// Position is the local view of one (symbol, pos_side) book entry.
type Position struct {
	Symbol           string
	PosSide          domain.PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         float64
	UnrealizedPnL    decimal.NullDecimal
	Margin           decimal.NullDecimal
	LiquidationPrice decimal.NullDecimal
	UpdatedAt        int64
}

// positionSideFor derives which book entry an order touches: explicit
// PosSide wins, otherwise a reduce-only order works against the opposite
// side of its direction.
func positionSideFor(side domain.Side, posSide domain.PositionSide, reduceOnly bool) domain.PositionSide {
	if posSide == domain.PositionLong || posSide == domain.PositionShort {
		return posSide
	}
	long := side == domain.SideBuy
	if reduceOnly {
		long = !long
	}
	if long {
		return domain.PositionLong
	}
	return domain.PositionShort
}
