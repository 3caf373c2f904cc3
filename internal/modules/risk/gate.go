// Package risk gates every proposed order through an ordered set of
// pre-trade rules and records the outcome of blocked requests.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
)

// Rule names recorded in risk_events, in gate evaluation order.
const (
	RuleKillSwitch        = "KILL_SWITCH"
	RuleConfidence        = "CONFIDENCE"
	RuleNotional          = "NOTIONAL"
	RuleLeverage          = "LEVERAGE"
	RuleDailyLoss         = "DAILY_LOSS"
	RuleCooldown          = "COOLDOWN"
	RulePositionExclusive = "POSITION_EXCLUSIVE"

	// Rules recorded by other components through the event sink.
	RulePositionDrift = "POSITION_DRIFT"
	RuleIngestStall   = "INGEST_STALL"
)

// Event levels.
const (
	LevelBlock = "BLOCK"
	LevelWarn  = "WARN"
)

// Config holds the gate thresholds. Zero thresholds disable the
// corresponding rule.
type Config struct {
	TradingEnabled  bool
	MaxNotional     float64
	MaxLeverage     float64
	MinConfidence   float64
	MaxDailyLossPct float64
	CooldownLosses  int
	CooldownBars    int
}

// AccountState supplies the position and trade history the stateful rules
// read. Satisfied by Store for live trading and by the backtest account.
type AccountState interface {
	// ActivePosition returns the side of the open position for the symbol,
	// or PositionFlat when none is open.
	ActivePosition(symbol string) (domain.PositionSide, error)
	// RealizedPnLSince sums realized pnl over trades at or after sinceMs.
	RealizedPnLSince(symbol string, sinceMs int64) (float64, error)
	// LossStreak returns the current run of consecutive losing trades and
	// the timestamp of the most recent one.
	LossStreak(symbol string) (int, int64, error)
}

// EventSink records risk events. Satisfied by EventRepository.
type EventSink interface {
	Record(symbol, level, rule, details string) error
}

// CheckRequest is one proposed order presented to the gate. ReduceOnly
// marks a close leg; close legs pass the rules that only guard new
// exposure.
type CheckRequest struct {
	Symbol     string
	Timeframe  domain.Timeframe
	Side       domain.Side
	ReduceOnly bool
	Notional   float64
	Leverage   float64
	Confidence float64
	Equity     float64
	Live       bool
}

// Verdict is the gate's answer for one request. When Allowed is false,
// Rule names the first check that failed and a BLOCK event has already
// been recorded.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Gate evaluates orders rule by rule. Rules run in a fixed order and the
// first failure wins; a request is never blocked twice.
type Gate struct {
	cfg    Config
	state  AccountState
	events EventSink
	log    zerolog.Logger

	now func() time.Time
}

func NewGate(cfg Config, state AccountState, events EventSink, log zerolog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		state:  state,
		events: events,
		log:    log.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
}

// NewGateAt is NewGate with an explicit clock. The backtest engine pins the
// clock to the replay cursor so the time-window rules evaluate at bar time.
func NewGateAt(cfg Config, state AccountState, events EventSink, log zerolog.Logger, now func() time.Time) *Gate {
	g := NewGate(cfg, state, events, log)
	g.now = now
	return g
}

// Check runs the rules in order and stops at the first failure.
func (g *Gate) Check(req CheckRequest) (Verdict, error) {
	checks := []struct {
		rule string
		fn   func(CheckRequest) (bool, string, error)
	}{
		{RuleKillSwitch, g.checkKillSwitch},
		{RuleConfidence, g.checkConfidence},
		{RuleNotional, g.checkNotional},
		{RuleLeverage, g.checkLeverage},
		{RuleDailyLoss, g.checkDailyLoss},
		{RuleCooldown, g.checkCooldown},
		{RulePositionExclusive, g.checkPositionExclusive},
	}
	for _, c := range checks {
		ok, reason, err := c.fn(req)
		if err != nil {
			return Verdict{}, fmt.Errorf("risk rule %s: %w", c.rule, err)
		}
		if !ok {
			g.block(req, c.rule, reason)
			return Verdict{Rule: c.rule, Reason: reason}, nil
		}
	}
	return Verdict{Allowed: true}, nil
}

// checkKillSwitch blocks live routing while trading is disabled. Simulated
// orders pass so paper trading keeps running with the switch off.
func (g *Gate) checkKillSwitch(req CheckRequest) (bool, string, error) {
	if req.Live && !g.cfg.TradingEnabled {
		return false, "live trading disabled", nil
	}
	return true, "", nil
}

func (g *Gate) checkConfidence(req CheckRequest) (bool, string, error) {
	if g.cfg.MinConfidence > 0 && req.Confidence < g.cfg.MinConfidence {
		return false, fmt.Sprintf("confidence %.2f below minimum %.2f", req.Confidence, g.cfg.MinConfidence), nil
	}
	return true, "", nil
}

func (g *Gate) checkNotional(req CheckRequest) (bool, string, error) {
	if g.cfg.MaxNotional > 0 && req.Notional > g.cfg.MaxNotional {
		return false, fmt.Sprintf("notional %.2f exceeds maximum %.2f", req.Notional, g.cfg.MaxNotional), nil
	}
	return true, "", nil
}

func (g *Gate) checkLeverage(req CheckRequest) (bool, string, error) {
	if g.cfg.MaxLeverage > 0 && req.Leverage > g.cfg.MaxLeverage {
		return false, fmt.Sprintf("leverage %.1f exceeds maximum %.1f", req.Leverage, g.cfg.MaxLeverage), nil
	}
	return true, "", nil
}

// checkDailyLoss blocks new exposure once today's realized loss reaches the
// configured share of equity. Close legs always pass so a losing position
// can still be flattened.
func (g *Gate) checkDailyLoss(req CheckRequest) (bool, string, error) {
	if req.ReduceOnly || g.cfg.MaxDailyLossPct <= 0 || req.Equity <= 0 {
		return true, "", nil
	}
	limit := req.Equity * g.cfg.MaxDailyLossPct / 100
	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	pnl, err := g.state.RealizedPnLSince(req.Symbol, dayStart)
	if err != nil {
		return false, "", err
	}
	if pnl <= -limit {
		return false, fmt.Sprintf("daily realized loss %.2f reached limit %.2f", -pnl, limit), nil
	}
	return true, "", nil
}

// checkCooldown blocks opens for CooldownBars after CooldownLosses
// consecutive losing trades.
func (g *Gate) checkCooldown(req CheckRequest) (bool, string, error) {
	if req.ReduceOnly || g.cfg.CooldownLosses <= 0 {
		return true, "", nil
	}
	streak, lastTs, err := g.state.LossStreak(req.Symbol)
	if err != nil {
		return false, "", err
	}
	if streak < g.cfg.CooldownLosses {
		return true, "", nil
	}
	until := lastTs + int64(g.cfg.CooldownBars)*req.Timeframe.Millis()
	if g.now().UnixMilli() < until {
		return false, fmt.Sprintf("cooldown after %d consecutive losses, %d bars remaining",
			streak, (until-g.now().UnixMilli()+req.Timeframe.Millis()-1)/req.Timeframe.Millis()), nil
	}
	return true, "", nil
}

// checkPositionExclusive enforces one active position per symbol: an open
// against the opposite side is blocked until the close leg has flattened.
func (g *Gate) checkPositionExclusive(req CheckRequest) (bool, string, error) {
	if req.ReduceOnly {
		return true, "", nil
	}
	active, err := g.state.ActivePosition(req.Symbol)
	if err != nil {
		return false, "", err
	}
	if active == domain.PositionFlat || active == "" {
		return true, "", nil
	}
	want := domain.PositionLong
	if req.Side == domain.SideSell {
		want = domain.PositionShort
	}
	if active != want {
		return false, fmt.Sprintf("active %s position conflicts with %s open", active, req.Side), nil
	}
	return true, "", nil
}

func (g *Gate) block(req CheckRequest, rule, reason string) {
	g.log.Warn().
		Str("symbol", req.Symbol).
		Str("rule", rule).
		Str("reason", reason).
		Msg("Order blocked")
	if err := g.events.Record(req.Symbol, LevelBlock, rule, reason); err != nil {
		g.log.Error().Err(err).Msg("Failed to record risk event")
	}
}
