// Package services glues the decision, risk, and execution modules into
// the scheduled trading cycle the daemon runs.
package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
	"github.com/meridianq/perpcore/internal/modules/decision"
	"github.com/meridianq/perpcore/internal/modules/execution"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/modules/reconcile"
	"github.com/meridianq/perpcore/internal/modules/risk"
)

// atrPeriod matches the classifier default so slippage sees the same
// volatility the regime label was derived from.
const atrPeriod = 14

// CycleConfig parameterizes one symbol's trading loop.
type CycleConfig struct {
	Symbol         string
	Timeframe      domain.Timeframe
	GlobalLeverage float64
	// EquityCurrency is the settlement currency equity is read in.
	// Defaults to USDT.
	EquityCurrency string
	// EquityOverride substitutes a fixed equity when set, which is the
	// normal state of a paper account that has never synced balances.
	EquityOverride float64
	// Live marks intents as live routing; the risk gate's kill switch
	// applies to live routing only, so a disabled switch turns every
	// would-be order into a recorded block instead of a fill.
	Live bool
}

// TradeCycle is one scheduled pass of the trading loop: decide, size,
// gate, execute. Every pass persists its decision; blocked intents leave
// risk events behind instead of orders.
type TradeCycle struct {
	cfg       CycleConfig
	engine    *decision.Engine
	market    *marketdata.Service
	allocator *execution.Allocator
	gate      *risk.Gate
	executor  execution.Executor
	positions *execution.PositionRepository
	balances  *reconcile.SnapshotRepository
	log       zerolog.Logger
}

func NewTradeCycle(
	cfg CycleConfig,
	engine *decision.Engine,
	market *marketdata.Service,
	allocator *execution.Allocator,
	gate *risk.Gate,
	executor execution.Executor,
	positions *execution.PositionRepository,
	balances *reconcile.SnapshotRepository,
	log zerolog.Logger,
) *TradeCycle {
	if cfg.EquityCurrency == "" {
		cfg.EquityCurrency = "USDT"
	}
	if cfg.GlobalLeverage <= 0 {
		cfg.GlobalLeverage = 1
	}
	return &TradeCycle{
		cfg:       cfg,
		engine:    engine,
		market:    market,
		allocator: allocator,
		gate:      gate,
		executor:  executor,
		positions: positions,
		balances:  balances,
		log:       log.With().Str("job", "trade_cycle").Str("symbol", cfg.Symbol).Logger(),
	}
}

func (c *TradeCycle) Name() string { return "trade_cycle" }

// Run executes one cycle. A hold, a missing equity reading, or a stale
// book end the pass quietly; only infrastructure failures return errors.
func (c *TradeCycle) Run(ctx context.Context) error {
	d, err := c.engine.Decide(ctx)
	if err != nil {
		return fmt.Errorf("decision failed: %w", err)
	}
	// No allocations means the cycle had nothing to act on (no candles,
	// every strategy filtered out). An explicit zero target with
	// allocations still flows through the allocator so it can flatten.
	if len(d.Allocations) == 0 {
		c.log.Info().Str("reason", d.Reasoning).Msg("Holding, no allocations")
		return nil
	}

	equity, err := c.loadEquity()
	if err != nil {
		return err
	}
	if equity <= 0 {
		c.log.Warn().Str("currency", c.cfg.EquityCurrency).
			Msg("Equity unavailable, sync balances or set an override")
		return nil
	}

	price, atrFrac, err := c.marketState()
	if err != nil {
		return err
	}
	if price <= 0 {
		c.log.Warn().Msg("No reference price, skipping execution")
		return nil
	}

	net, err := c.positions.NetSize(c.cfg.Symbol)
	if err != nil {
		return err
	}
	netF, _ := net.Float64()

	intents := c.allocator.Plan(execution.PlanRequest{
		Symbol:         c.cfg.Symbol,
		TargetPosition: d.TotalPosition,
		Equity:         equity,
		Price:          price,
		NetSize:        netF,
		Leverage:       c.cfg.GlobalLeverage,
		ATRPct:         atrFrac,
		Reason:         d.Source + " rebalance",
	})
	if len(intents) == 0 {
		c.log.Info().
			Float64("target", d.TotalPosition).
			Float64("net_size", netF).
			Msg("Delta under rebalance threshold, holding")
		return nil
	}

	submitted, blocked := 0, 0
	for _, intent := range intents {
		notional, _ := intent.Notional().Float64()
		verdict, err := c.gate.Check(risk.CheckRequest{
			Symbol:     intent.Symbol,
			Timeframe:  c.cfg.Timeframe,
			Side:       intent.Side,
			ReduceOnly: intent.ReduceOnly,
			Notional:   notional,
			Leverage:   intent.Leverage,
			Confidence: d.Confidence,
			Equity:     equity,
			Live:       c.cfg.Live,
		})
		if err != nil {
			return err
		}
		if !verdict.Allowed {
			// The gate already recorded the block; a blocked close leg
			// leaves the open leg to its own POSITION_EXCLUSIVE check.
			blocked++
			continue
		}

		order, err := c.executor.Submit(ctx, intent)
		if err != nil {
			return fmt.Errorf("failed to submit %s %s: %w", intent.Side, intent.Symbol, err)
		}
		if order.Status == domain.OrderStatusRejected {
			c.log.Warn().
				Str("client_order_id", order.ClientOrderID).
				Str("side", string(order.Side)).
				Msg("Order rejected by executor")
			continue
		}
		submitted++
	}

	c.log.Info().
		Str("source", d.Source).
		Str("regime", d.Regime).
		Float64("target", d.TotalPosition).
		Float64("equity", equity).
		Int("submitted", submitted).
		Int("blocked", blocked).
		Msg("Trading cycle complete")
	return nil
}

// loadEquity reads the newest synced balance in the settlement currency.
// The override wins when set.
func (c *TradeCycle) loadEquity() (float64, error) {
	if c.cfg.EquityOverride > 0 {
		return c.cfg.EquityOverride, nil
	}
	bal, err := c.balances.LatestBalance(c.cfg.EquityCurrency)
	if err != nil {
		return 0, fmt.Errorf("failed to load equity: %w", err)
	}
	if bal == nil {
		return 0, nil
	}
	f, _ := bal.Total.Float64()
	return f, nil
}

// marketState returns the execution reference price and the current ATR
// fraction. The last traded price wins; without a price snapshot the
// newest close stands in.
func (c *TradeCycle) marketState() (float64, float64, error) {
	snap, err := c.market.GetSnapshot(c.cfg.Symbol, c.cfg.Timeframe, 2*atrPeriod+2)
	if err != nil {
		return 0, 0, err
	}
	price := snap.LastClose()
	if snap.Prices != nil && snap.Prices.Last > 0 {
		price = snap.Prices.Last
	}
	var atrFrac float64
	if atr, ok := indicators.Last(indicators.ATR(snap.Highs(), snap.Lows(), snap.Closes(), atrPeriod)); ok && price > 0 {
		atrFrac = atr / price
	}
	return price, atrFrac, nil
}
