// Package backtest replays stored candles through the same regime
// classifier, portfolio scheduler, risk gate, and fill model the live
// decision cycle uses. Signals are taken at the close of bar i and filled
// at the open of bar i+1; each run persists its trades, position trace,
// decision trace, and equity curve.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
	"github.com/meridianq/perpcore/internal/modules/decision"
	"github.com/meridianq/perpcore/internal/modules/execution"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/modules/risk"
	"github.com/meridianq/perpcore/internal/regime"
	"github.com/meridianq/perpcore/internal/strategy"
)

const (
	// windowBars caps the snapshot handed to the classifier and strategies;
	// earlier in-range bars fall out of the window as the replay advances.
	windowBars = 200

	atrPeriod = 14

	// Funding settles on the venue's fixed 8h grid.
	fundingIntervalMs = 8 * 60 * 60 * 1000
	// fundingPreload extends the funding query this many intervals before
	// the range so the first bars already see funding context.
	fundingPreload = 16
)

// EngineConfig carries the scheduler and allocator knobs a replay shares
// with the live decision cycle.
type EngineConfig struct {
	Scheduler decision.SchedulerConfig
	Allocator execution.AllocatorConfig
}

// Request describes one backtest run. An empty StrategyID replays the
// portfolio scheduler over every enabled strategy; naming one strategy
// bypasses scheduling but still passes every intent through the risk gate.
type Request struct {
	Symbol         string
	Timeframe      domain.Timeframe
	StartTs        int64
	EndTs          int64
	InitialCapital decimal.Decimal
	StrategyID     string
	Fill           execution.SimulatedConfig
	Risk           risk.Config
	AccrueFunding  bool
}

// Engine runs backtests against the candle store.
type Engine struct {
	cfg        EngineConfig
	market     *marketdata.Service
	classifier *regime.Classifier
	registry   *strategy.Registry
	scheduler  *decision.Scheduler
	allocator  *execution.Allocator
	runs       *RunRepository
	log        zerolog.Logger
	now        func() time.Time
}

func NewEngine(cfg EngineConfig, market *marketdata.Service, classifier *regime.Classifier, registry *strategy.Registry, runs *RunRepository, log zerolog.Logger) *Engine {
	if cfg.Scheduler.GlobalLeverage <= 0 {
		cfg.Scheduler.GlobalLeverage = 1
	}
	return &Engine{
		cfg:        cfg,
		market:     market,
		classifier: classifier,
		registry:   registry,
		scheduler:  decision.NewScheduler(cfg.Scheduler, registry, log),
		allocator:  execution.NewAllocator(cfg.Allocator, log),
		runs:       runs,
		log:        log.With().Str("component", "backtest").Logger(),
		now:        time.Now,
	}
}

// Run executes one backtest. The run row is inserted up front in RUNNING
// state; a replay error marks it FAILED, a finished replay lands metrics
// and children in one transaction.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var strat strategy.Strategy
	if req.StrategyID != "" {
		s, err := e.registry.Get(req.StrategyID)
		if err != nil {
			return nil, err
		}
		strat = s
	}

	candles, err := e.market.GetCandlesRange(req.Symbol, req.Timeframe, req.StartTs, req.EndTs)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("need at least 2 candles for %s %s in range", req.Symbol, req.Timeframe)
	}
	funding, err := e.market.GetFundingRange(req.Symbol, req.StartTs-fundingPreload*fundingIntervalMs, req.EndTs)
	if err != nil {
		return nil, err
	}

	run := &Run{
		RunID:          uuid.NewString(),
		CreatedAt:      e.now().UTC().UnixMilli(),
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartTs:        req.StartTs,
		EndTs:          req.EndTs,
		InitialCapital: req.InitialCapital,
		Params:         runParams(req, e.cfg),
	}
	if err := e.runs.Start(run); err != nil {
		return nil, err
	}
	e.log.Info().
		Str("run_id", run.RunID).
		Str("symbol", req.Symbol).
		Str("timeframe", string(req.Timeframe)).
		Int("bars", len(candles)).
		Msg("Backtest started")

	rep := newReplay(e, req, strat, candles, funding)
	if err := rep.run(ctx); err != nil {
		if failErr := e.runs.Fail(run.RunID, err.Error()); failErr != nil {
			e.log.Error().Err(failErr).Str("run_id", run.RunID).Msg("Failed to record backtest failure")
		}
		run.Status = StatusFailed
		return nil, err
	}

	run.Metrics = computeMetrics(rep.curve, rep.trades, rep.acct.funding, req.InitialCapital, req.Timeframe)
	run.EquityCurve = rep.curve
	if err := e.runs.Complete(run, rep.trades, rep.positions, rep.decisions); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("run_id", run.RunID).
		Int("trades", run.Metrics.Trades).
		Float64("return_pct", run.Metrics.TotalReturnPct).
		Float64("final_equity", run.Metrics.FinalEquity).
		Msg("Backtest completed")
	return &Result{Run: run, Trades: rep.trades, Positions: rep.positions, Decisions: rep.decisions}, nil
}

func validateRequest(req Request) error {
	if req.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !req.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", req.Timeframe)
	}
	if req.StartTs >= req.EndTs {
		return fmt.Errorf("start_ts %d is not before end_ts %d", req.StartTs, req.EndTs)
	}
	if !req.InitialCapital.IsPositive() {
		return errors.New("initial capital must be positive")
	}
	if err := req.Fill.Slippage.Validate(); err != nil {
		return err
	}
	if req.Fill.FeeRate < 0 {
		return errors.New("fee rate must be non-negative")
	}
	return nil
}

func runParams(req Request, cfg EngineConfig) RunParams {
	return RunParams{
		StrategyID:     req.StrategyID,
		FeeRate:        req.Fill.FeeRate,
		SlippageModel:  req.Fill.Slippage.Model,
		SlippageBps:    req.Fill.Slippage.BaseBps,
		JitterBps:      req.Fill.JitterBps,
		Seed:           req.Fill.Seed,
		TopK:           cfg.Scheduler.TopK,
		MinScore:       cfg.Scheduler.MinScore,
		GlobalLeverage: cfg.Scheduler.GlobalLeverage,
		AccrueFunding:  req.AccrueFunding,
	}
}

// pendingIntent is a gate-approved intent waiting for the next bar's open.
// The signal rides along in single-strategy mode so protective exits arm on
// the entry fill.
type pendingIntent struct {
	intent     execution.Intent
	strategyID string
	signal     strategy.Signal
}

// protection holds the armed exit levels of the open single-strategy
// position. timeStop is in bars after entry; zero levels are unarmed.
type protection struct {
	stop       float64
	takeProfit float64
	timeStop   int
	entryBar   int
}

// replay is the per-run mutable state of one bar loop.
type replay struct {
	e       *Engine
	req     Request
	strat   strategy.Strategy // nil in portfolio mode
	candles []domain.Candle
	funding []domain.FundingRate

	acct    *account
	gate    *risk.Gate
	clock   *barClock
	rng     *rand.Rand
	slip    execution.Slippage
	feeDec  decimal.Decimal
	riskLog *replayEvents

	pending []pendingIntent
	protect *protection
	filled  bool

	peak      decimal.Decimal
	curve     []EquityPoint
	trades    []Trade
	positions []PositionPoint
	decisions []DecisionPoint
}

func newReplay(e *Engine, req Request, strat strategy.Strategy, candles []domain.Candle, funding []domain.FundingRate) *replay {
	clock := &barClock{ms: candles[0].Ts}
	acct := newAccount(req.InitialCapital)
	r := &replay{
		e:       e,
		req:     req,
		strat:   strat,
		candles: candles,
		funding: funding,
		acct:    acct,
		clock:   clock,
		rng:     rand.New(rand.NewSource(req.Fill.Seed)),
		slip:    req.Fill.Slippage,
		feeDec:  decimal.NewFromFloat(req.Fill.FeeRate),
		riskLog: &replayEvents{},
	}
	r.gate = risk.NewGateAt(req.Risk, acct, r.riskLog, e.log, clock.Now)
	return r
}

func (r *replay) single() bool {
	return r.strat != nil
}

func (r *replay) run(ctx context.Context) error {
	last := len(r.candles) - 1
	for i, bar := range r.candles {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.clock.set(bar.Ts)
		if i > 0 {
			r.accrueFunding(r.candles[i-1].Ts, bar.Ts, bar.Open)
		}
		r.fillPending(i, bar)
		if r.single() {
			r.checkProtection(i, bar)
		}
		if i < last {
			if err := r.decide(i); err != nil {
				return err
			}
		} else {
			r.finalClose(bar)
		}
		r.mark(bar)
	}
	return nil
}

// accrueFunding settles every funding boundary in (prevTs, ts], using the
// latest observed rate at each boundary and the bar's open as mark price.
func (r *replay) accrueFunding(prevTs, ts int64, openPrice float64) {
	if !r.req.AccrueFunding || r.acct.flat() || len(r.funding) == 0 {
		return
	}
	first := ((prevTs / fundingIntervalMs) + 1) * fundingIntervalMs
	for b := first; b <= ts; b += fundingIntervalMs {
		idx, ok := r.fundingIdxAt(b)
		if !ok {
			continue
		}
		r.acct.accrueFunding(b, r.funding[idx].Rate, openPrice)
	}
}

// fundingIdxAt finds the newest funding row observed at or before ts.
func (r *replay) fundingIdxAt(ts int64) (int, bool) {
	n := sort.Search(len(r.funding), func(i int) bool { return r.funding[i].Ts > ts })
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

// fillPending executes last bar's approved intents at this bar's open
// through the slippage model.
func (r *replay) fillPending(i int, bar domain.Candle) {
	if len(r.pending) == 0 {
		return
	}
	openDec := decimal.NewFromFloat(bar.Open)
	for _, p := range r.pending {
		notional := pnlFloat(p.intent.Notional())
		bps := r.slip.SlipBps(p.intent.ATRPct, notional) + r.rng.Float64()*r.req.Fill.JitterBps
		price := execution.FillPrice(openDec, p.intent.Side, bps)
		fee := price.Mul(p.intent.Amount).Mul(r.feeDec)

		t := r.acct.applyFill(bar.Ts, p.intent.Side, p.intent.Amount, price, fee)
		t.StrategyID = p.strategyID
		t.Reason = p.intent.Reason
		r.trades = append(r.trades, t)

		if r.single() {
			switch t.Action {
			case ActionOpen, ActionFlip:
				r.arm(i, p.signal)
			case ActionClose:
				r.protect = nil
			}
		}
	}
	r.pending = nil
	r.filled = true
}

func (r *replay) arm(i int, sig strategy.Signal) {
	if sig.StopLoss <= 0 && sig.TakeProfit <= 0 && sig.TimeStopBars <= 0 {
		r.protect = nil
		return
	}
	r.protect = &protection{
		stop:       sig.StopLoss,
		takeProfit: sig.TakeProfit,
		timeStop:   sig.TimeStopBars,
		entryBar:   i,
	}
}

// checkProtection enforces the armed exit levels against this bar. The
// time stop fires at the open; a stop that gaps through fills at the open,
// a take profit fills at its level or a better open. The stop wins when
// both trigger inside one bar.
func (r *replay) checkProtection(i int, bar domain.Candle) {
	if r.protect == nil || r.acct.flat() {
		return
	}
	p := r.protect
	long := r.acct.side() == domain.PositionLong

	if p.timeStop > 0 && i-p.entryBar >= p.timeStop {
		r.exitAt(bar.Ts, bar.Open, "time_stop")
		return
	}
	if p.stop > 0 {
		if long && bar.Low <= p.stop {
			r.exitAt(bar.Ts, math.Min(bar.Open, p.stop), "stop_loss")
			return
		}
		if !long && bar.High >= p.stop {
			r.exitAt(bar.Ts, math.Max(bar.Open, p.stop), "stop_loss")
			return
		}
	}
	if p.takeProfit > 0 {
		if long && bar.High >= p.takeProfit {
			r.exitAt(bar.Ts, math.Max(bar.Open, p.takeProfit), "take_profit")
			return
		}
		if !long && bar.Low <= p.takeProfit {
			r.exitAt(bar.Ts, math.Min(bar.Open, p.takeProfit), "take_profit")
		}
	}
}

// exitAt flattens the position at the given price with the usual fee.
func (r *replay) exitAt(ts int64, price float64, reason string) {
	side := domain.SideSell
	if r.acct.side() == domain.PositionShort {
		side = domain.SideBuy
	}
	priceDec := decimal.NewFromFloat(price)
	qty := r.acct.size.Abs()
	fee := priceDec.Mul(qty).Mul(r.feeDec)

	t := r.acct.applyFill(ts, side, qty, priceDec, fee)
	t.StrategyID = r.req.StrategyID
	t.Reason = reason
	r.trades = append(r.trades, t)
	r.protect = nil
	r.filled = true
}

// decide runs one cycle at the close of bar i and queues gate-approved
// intents for the next bar's open.
func (r *replay) decide(i int) error {
	bar := r.candles[i]
	snap := r.snapshotAt(i)
	rc := r.e.classifier.Classify(snap)
	atrFrac := atrFraction(snap)

	equity := r.acct.equity(bar.Close)
	eqF := pnlFloat(equity)
	if eqF <= 0 {
		return fmt.Errorf("equity depleted at ts %d", bar.Ts)
	}
	sizeF := pnlFloat(r.acct.size)

	var point DecisionPoint
	var intents []execution.Intent
	var conf float64
	var sig strategy.Signal

	if r.single() {
		sig = r.strat.Signal(snap)
		target, act := singleTarget(sig, r.acct.side(), r.e.cfg.Scheduler.GlobalLeverage)
		conf = sig.Confidence
		point = DecisionPoint{
			Ts:     snap.LastTs(),
			Regime: rc.Regime,
			Allocations: []decision.Allocation{{
				StrategyID: r.req.StrategyID,
				Weight:     1,
				Confidence: sig.Confidence,
				Reasoning:  sig.Reason,
			}},
			TotalPosition: target,
			Confidence:    sig.Confidence,
			Reasoning:     sig.Reason,
		}
		if act {
			lev := r.e.cfg.Scheduler.GlobalLeverage
			if sig.LeverageHint > 0 {
				lev = sig.LeverageHint
			}
			intents = r.e.allocator.Plan(execution.PlanRequest{
				Symbol:         r.req.Symbol,
				TargetPosition: target,
				Equity:         eqF,
				Price:          bar.Close,
				NetSize:        sizeF,
				Leverage:       lev,
				ATRPct:         atrFrac,
				Reason:         sig.Reason,
			})
		} else {
			// Hold: the position stays as is, the trace records the
			// current exposure rather than a flat target.
			point.TotalPosition = sizeF * bar.Close / eqF
			point.Reasoning = "hold: " + sig.Reason
		}
	} else {
		d := r.e.scheduler.Decide(snap, rc, nil)
		conf = d.Confidence
		point = DecisionPoint{
			Ts:            d.Ts,
			Regime:        domain.Regime(d.Regime),
			Allocations:   d.Allocations,
			TotalPosition: d.TotalPosition,
			Confidence:    d.Confidence,
			Reasoning:     d.Reasoning,
		}
		intents = r.e.allocator.Plan(execution.PlanRequest{
			Symbol:         r.req.Symbol,
			TargetPosition: d.TotalPosition,
			Equity:         eqF,
			Price:          bar.Close,
			NetSize:        sizeF,
			Leverage:       r.e.cfg.Scheduler.GlobalLeverage,
			ATRPct:         atrFrac,
			Reason:         "scheduler rebalance",
		})
	}

	for _, intent := range intents {
		verdict, err := r.gate.Check(risk.CheckRequest{
			Symbol:     intent.Symbol,
			Timeframe:  r.req.Timeframe,
			Side:       intent.Side,
			ReduceOnly: intent.ReduceOnly,
			Notional:   pnlFloat(intent.Notional()),
			Leverage:   intent.Leverage,
			Confidence: conf,
			Equity:     eqF,
			Live:       false,
		})
		if err != nil {
			return err
		}
		if !verdict.Allowed {
			point.Reasoning += fmt.Sprintf("; blocked by %s: %s", verdict.Rule, verdict.Reason)
			continue
		}
		r.pending = append(r.pending, pendingIntent{
			intent:     intent,
			strategyID: r.req.StrategyID,
			signal:     sig,
		})
	}
	r.decisions = append(r.decisions, point)
	return nil
}

// singleTarget maps a signal to a target exposure. Flat signals and closes
// against the wrong side hold the current position instead of retargeting
// to zero, so a strategy that goes quiet does not flatten itself.
func singleTarget(sig strategy.Signal, pos domain.PositionSide, lev float64) (float64, bool) {
	switch sig.Intent {
	case domain.IntentLong:
		return clampAbs(sig.TargetWeight, lev), true
	case domain.IntentShort:
		return -clampAbs(sig.TargetWeight, lev), true
	case domain.IntentCloseLong:
		if pos == domain.PositionLong {
			return 0, true
		}
	case domain.IntentCloseShort:
		if pos == domain.PositionShort {
			return 0, true
		}
	}
	return 0, false
}

func clampAbs(w, lev float64) float64 {
	w = math.Abs(w)
	if w > lev {
		return lev
	}
	return w
}

// snapshotAt builds the market view as of the close of bar i.
func (r *replay) snapshotAt(i int) *domain.MarketSnapshot {
	lo := i + 1 - windowBars
	if lo < 0 {
		lo = 0
	}
	snap := &domain.MarketSnapshot{
		Symbol:    r.req.Symbol,
		Timeframe: r.req.Timeframe,
		Candles:   r.candles[lo : i+1],
		AsOf:      r.candles[i].Ts,
	}
	if idx, ok := r.fundingIdxAt(r.candles[i].Ts); ok {
		f := r.funding[idx]
		snap.Funding = &f
		hlo := idx + 1 - fundingPreload
		if hlo < 0 {
			hlo = 0
		}
		snap.FundingHistory = r.funding[hlo : idx+1]
	}
	return snap
}

// finalClose flattens whatever is open at the last bar's close so the run
// ends with realized numbers.
func (r *replay) finalClose(bar domain.Candle) {
	if r.acct.flat() {
		return
	}
	side := domain.SideSell
	if r.acct.side() == domain.PositionShort {
		side = domain.SideBuy
	}
	price := decimal.NewFromFloat(bar.Close)
	qty := r.acct.size.Abs()
	fee := price.Mul(qty).Mul(r.feeDec)

	t := r.acct.applyFill(bar.Ts, side, qty, price, fee)
	t.StrategyID = r.req.StrategyID
	t.Reason = "final_close"
	r.trades = append(r.trades, t)
	r.protect = nil
	r.filled = true
}

// mark appends the equity point for this bar's close, and a position point
// when the bar saw fills.
func (r *replay) mark(bar domain.Candle) {
	eq := r.acct.equity(bar.Close)
	if eq.GreaterThan(r.peak) {
		r.peak = eq
	}
	dd := 0.0
	if r.peak.IsPositive() && eq.LessThan(r.peak) {
		dd, _ = r.peak.Sub(eq).Div(r.peak).Float64()
	}
	r.curve = append(r.curve, EquityPoint{Ts: bar.Ts, Equity: eq, Drawdown: dd})

	if r.filled {
		r.positions = append(r.positions, r.acct.positionPoint(bar.Ts, bar.Close))
		r.filled = false
	}
}

func atrFraction(snap *domain.MarketSnapshot) float64 {
	atr, ok := indicators.Last(indicators.ATR(snap.Highs(), snap.Lows(), snap.Closes(), atrPeriod))
	if !ok {
		return 0
	}
	if c := snap.LastClose(); c > 0 {
		return atr / c
	}
	return 0
}

// barClock pins the risk gate's clock to the replay cursor.
type barClock struct {
	ms int64
}

func (c *barClock) set(ts int64) {
	c.ms = ts
}

func (c *barClock) Now() time.Time {
	return time.UnixMilli(c.ms).UTC()
}

// replayEvents satisfies the gate's sink in memory; replayed blocks are
// trace annotations, not live incidents, and never touch risk_events.
type replayEvents struct {
	blocks []string
}

func (s *replayEvents) Record(_, _, rule, details string) error {
	s.blocks = append(s.blocks, rule+": "+details)
	return nil
}
