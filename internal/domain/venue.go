package domain

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// VenueAPI is the venue-agnostic capability set the core needs from an
// exchange. One implementation talks HTTPS+HMAC to the real venue (demo or
// live endpoint); tests and the backtester use scripted fakes.
type VenueAPI interface {
	// FetchOHLCV returns up to limit closed candles at or after since
	// (epoch ms), oldest first. The currently-forming bar is included by
	// some venues; callers must drop it.
	FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, since int64, limit int) ([]Candle, error)
	FetchFunding(ctx context.Context, symbol string) (*FundingRate, error)
	FetchMarkIndexLast(ctx context.Context, symbol string) (*PriceSnapshot, error)

	FetchBalances(ctx context.Context) ([]Balance, error)
	FetchPositions(ctx context.Context, symbol string) ([]VenuePosition, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	FetchOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error
}

// Balance is one currency's account balance at the venue.
type Balance struct {
	Currency string
	Total    decimal.Decimal
	Free     decimal.Decimal
	Used     decimal.Decimal
}

// VenuePosition is the venue's view of an open position.
type VenuePosition struct {
	Symbol           string
	PosSide          PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         float64
	UnrealizedPnL    decimal.Decimal
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	UpdatedAt        int64
	Raw              json.RawMessage
}

// OrderRequest is a fully-specified child order ready for submission.
// ClientOrderID must be persisted by the caller before the network call so
// retries stay idempotent.
type OrderRequest struct {
	Symbol        string
	ClientOrderID string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	Amount        decimal.Decimal
	Leverage      float64
	PosSide       PositionSide // long_short mode only
	TDMode        string
	ReduceOnly    bool
	TimeInForce   TimeInForce
}

// OrderAck is the venue's acknowledgment of a submission.
type OrderAck struct {
	ExchangeOrderID string
	Status          OrderStatus
}

// OrderState is the venue's current view of an order, used by fill
// polling and the reconciliation loop.
type OrderState struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	UpdatedAt       int64
	Raw             json.RawMessage
}
