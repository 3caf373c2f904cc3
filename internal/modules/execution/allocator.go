package execution

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// AllocatorConfig holds the rebalance deadband. DiffThresholdBps is
// measured against equity; MinNotional is an absolute floor.
type AllocatorConfig struct {
	DiffThresholdBps float64
	MinNotional      float64
}

// Allocator turns a signed target position into child orders against the
// current exposure. A sign flip is always two legs: the close leg fully
// flattens before the open leg starts the other side.
type Allocator struct {
	cfg AllocatorConfig
	log zerolog.Logger
}

func NewAllocator(cfg AllocatorConfig, log zerolog.Logger) *Allocator {
	return &Allocator{cfg: cfg, log: log.With().Str("component", "allocator").Logger()}
}

// PlanRequest is one decision cycle's allocator input. TargetPosition is
// the signed equity multiple after the scheduler's leverage clamp; NetSize
// is the current signed base-asset exposure.
type PlanRequest struct {
	Symbol         string
	TargetPosition float64
	Equity         float64
	Price          float64
	NetSize        float64
	Leverage       float64
	ATRPct         float64
	Reason         string
}

// Plan returns zero, one, or two market-order intents. Zero means HOLD:
// the delta did not clear the deadband.
func (a *Allocator) Plan(req PlanRequest) []Intent {
	if req.Equity <= 0 || req.Price <= 0 {
		return nil
	}

	targetNotional := req.Equity * req.TargetPosition
	currentNotional := req.NetSize * req.Price
	diff := targetNotional - currentNotional

	threshold := req.Equity * a.cfg.DiffThresholdBps / 10000
	if math.Abs(diff) < threshold {
		a.log.Debug().
			Str("symbol", req.Symbol).
			Float64("diff", diff).
			Float64("threshold", threshold).
			Msg("Delta under rebalance threshold, holding")
		return nil
	}
	if a.cfg.MinNotional > 0 && math.Abs(diff) < a.cfg.MinNotional {
		return nil
	}

	flip := currentNotional != 0 && targetNotional != 0 &&
		(currentNotional > 0) != (targetNotional > 0)
	if !flip {
		return []Intent{a.intent(req, diff, targetNotional, currentNotional)}
	}

	closeSide := domain.SideSell
	if currentNotional < 0 {
		closeSide = domain.SideBuy
	}
	intents := []Intent{{
		Symbol:      req.Symbol,
		Side:        closeSide,
		Type:        domain.OrderTypeMarket,
		Amount:      amountFor(math.Abs(req.NetSize)),
		Leverage:    req.Leverage,
		ReduceOnly:  true,
		TimeInForce: domain.TIFGTC,
		RefPrice:    decimal.NewFromFloat(req.Price),
		ATRPct:      req.ATRPct,
		Reason:      req.Reason,
	}}

	// The open leg may fall below the floor on its own; the flip then
	// just flattens.
	if a.cfg.MinNotional > 0 && math.Abs(targetNotional) < a.cfg.MinNotional {
		return intents
	}
	openSide := domain.SideBuy
	if targetNotional < 0 {
		openSide = domain.SideSell
	}
	return append(intents, Intent{
		Symbol:      req.Symbol,
		Side:        openSide,
		Type:        domain.OrderTypeMarket,
		Amount:      amountFor(math.Abs(targetNotional) / req.Price),
		Leverage:    req.Leverage,
		TimeInForce: domain.TIFGTC,
		RefPrice:    decimal.NewFromFloat(req.Price),
		ATRPct:      req.ATRPct,
		Reason:      req.Reason,
	})
}

func (a *Allocator) intent(req PlanRequest, diff, targetNotional, currentNotional float64) Intent {
	side := domain.SideBuy
	if diff < 0 {
		side = domain.SideSell
	}
	reducing := targetNotional == 0 ||
		((targetNotional > 0) == (currentNotional > 0) &&
			math.Abs(targetNotional) < math.Abs(currentNotional))

	return Intent{
		Symbol:      req.Symbol,
		Side:        side,
		Type:        domain.OrderTypeMarket,
		Amount:      amountFor(math.Abs(diff) / req.Price),
		Leverage:    req.Leverage,
		ReduceOnly:  reducing,
		TimeInForce: domain.TIFGTC,
		RefPrice:    decimal.NewFromFloat(req.Price),
		ATRPct:      req.ATRPct,
		Reason:      req.Reason,
	}
}

func amountFor(qty float64) decimal.Decimal {
	return decimal.NewFromFloat(qty).Round(8)
}
