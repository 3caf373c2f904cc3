package backtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/decision"
	"github.com/meridianq/perpcore/internal/modules/execution"
	"github.com/meridianq/perpcore/internal/modules/ingest"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/modules/risk"
	"github.com/meridianq/perpcore/internal/regime"
	"github.com/meridianq/perpcore/internal/strategy"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

const testSymbol = "BTC-USDT-SWAP"

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// stubStrategy emits a scripted signal per snapshot.
type stubStrategy struct {
	id     string
	signal func(snap *domain.MarketSnapshot) strategy.Signal
}

func (s *stubStrategy) ID() string                       { return s.id }
func (s *stubStrategy) Timeframe() domain.Timeframe      { return domain.TF1h }
func (s *stubStrategy) RequiredRegimes() []domain.Regime { return nil }
func (s *stubStrategy) Params() any                      { return nil }
func (s *stubStrategy) Signal(snap *domain.MarketSnapshot) strategy.Signal {
	return s.signal(snap)
}

func alwaysLong(id string, weight, confidence float64) *stubStrategy {
	return &stubStrategy{id: id, signal: func(snap *domain.MarketSnapshot) strategy.Signal {
		return strategy.Signal{
			StrategyID:   id,
			Ts:           snap.LastTs(),
			Intent:       domain.IntentLong,
			Confidence:   confidence,
			TargetWeight: weight,
			Reason:       "ride the trend",
		}
	}}
}

// entryOnce signals the entry at the first bar's close and holds afterwards.
func entryOnce(id string, entryTs int64, sig strategy.Signal) *stubStrategy {
	return &stubStrategy{id: id, signal: func(snap *domain.MarketSnapshot) strategy.Signal {
		if snap.LastTs() == entryTs {
			out := sig
			out.StrategyID = id
			out.Ts = snap.LastTs()
			return out
		}
		return strategy.Signal{StrategyID: id, Ts: snap.LastTs(), Intent: domain.IntentFlat, Reason: "wait"}
	}}
}

func newTestEngine(t *testing.T, candles []domain.Candle, funding []domain.FundingRate, strategies ...strategy.Strategy) (*Engine, *RunRepository) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	if len(candles) > 0 {
		_, err := ingest.NewCandleRepository(db.Conn(), zerolog.Nop()).UpsertBatch(candles)
		require.NoError(t, err)
	}
	derivs := ingest.NewDerivativesRepository(db.Conn(), zerolog.Nop())
	for _, f := range funding {
		_, err := derivs.InsertFunding(f)
		require.NoError(t, err)
	}

	registry := strategy.NewRegistry(zerolog.Nop())
	for _, s := range strategies {
		registry.Register(s, true)
	}
	runs := NewRunRepository(db.Conn())
	engine := NewEngine(
		EngineConfig{
			Scheduler: decision.SchedulerConfig{TopK: 3, MinScore: 0.3, GlobalLeverage: 1},
			Allocator: execution.AllocatorConfig{DiffThresholdBps: 50},
		},
		marketdata.NewService(db.Conn(), zerolog.Nop()),
		regime.NewClassifier(regime.DefaultConfig(), zerolog.Nop()),
		registry,
		runs,
		zerolog.Nop(),
	)
	return engine, runs
}

func baseRequest(bars int) Request {
	return Request{
		Symbol:         testSymbol,
		Timeframe:      domain.TF1h,
		StartTs:        testStart,
		EndTs:          testStart + int64(bars)*domain.TF1h.Millis(),
		InitialCapital: decimal.NewFromInt(10000),
		Fill:           execution.SimulatedConfig{FeeRate: 0.0005, Seed: 7},
	}
}

func TestRunUptrendLongOnly(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 720, 42000, 0.001)
	engine, runs := newTestEngine(t, candles, nil, alwaysLong("trend_rider", 1.0, 0.9))

	res, err := engine.Run(context.Background(), baseRequest(720))
	require.NoError(t, err)
	run := res.Run
	assert.Equal(t, StatusCompleted, run.Status)

	// The curve starts at the initial capital on the first bar.
	require.Len(t, run.EquityCurve, 720)
	assert.True(t, run.EquityCurve[0].Equity.Equal(decimal.NewFromInt(10000)),
		"curve head %s", run.EquityCurve[0].Equity)
	assert.Equal(t, candles[0].Ts, run.EquityCurve[0].Ts)

	// One entry filled at the second bar's open, one forced final close.
	require.Len(t, res.Trades, 2)
	assert.Equal(t, ActionOpen, res.Trades[0].Action)
	assert.Equal(t, domain.SideBuy, res.Trades[0].Side)
	assert.Equal(t, candles[1].Ts, res.Trades[0].Ts)
	assert.InDelta(t, candles[1].Open, pnlFloat(res.Trades[0].Price), 1e-9)
	assert.Equal(t, ActionClose, res.Trades[1].Action)
	assert.Equal(t, "final_close", res.Trades[1].Reason)
	assert.Equal(t, candles[719].Ts, res.Trades[1].Ts)

	// A clean uptrend realizes one winning trade and never draws down.
	assert.Equal(t, 1, run.Metrics.Trades)
	assert.Equal(t, 1, run.Metrics.Wins)
	assert.InDelta(t, 1.0, run.Metrics.WinRate, 1e-9)
	assert.Greater(t, run.Metrics.FinalEquity, 10000.0)
	assert.InDelta(t, 0, run.Metrics.MaxDrawdown, 1e-9)
	assert.Equal(t, 0, run.Metrics.MaxDrawdownBars)
	assert.Greater(t, run.Metrics.Sharpe, 0.0)
	assert.Greater(t, run.Metrics.CAGR, 0.0)
	assert.Nil(t, run.Metrics.ProfitFactor)

	for i := 1; i < len(run.EquityCurve); i++ {
		require.False(t, run.EquityCurve[i].Equity.LessThan(run.EquityCurve[i-1].Equity),
			"equity dipped at bar %d", i)
	}

	expectedPct := (run.Metrics.FinalEquity/10000 - 1) * 100
	assert.InDelta(t, expectedPct, run.Metrics.TotalReturnPct, 1e-9)

	// Round trip through the store.
	stored, err := runs.GetRun(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.InDelta(t, run.Metrics.TotalReturnPct, stored.Metrics.TotalReturnPct, 1e-9)
	assert.Len(t, stored.EquityCurve, 720)

	trades, err := runs.ListTrades(run.RunID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[1].RealizedPnL.Valid)

	decisions, err := runs.ListDecisions(run.RunID)
	require.NoError(t, err)
	assert.Len(t, decisions, 719)
}

func TestRunSignalFillsAtNextOpen(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 10, 100, 0)
	strat := entryOnce("probe", candles[0].Ts, strategy.Signal{
		Intent:       domain.IntentLong,
		Confidence:   0.8,
		TargetWeight: 1,
		Reason:       "breakout probe",
	})
	engine, _ := newTestEngine(t, candles, nil, strat)

	req := baseRequest(10)
	req.StrategyID = "probe"
	req.Fill = execution.SimulatedConfig{
		Slippage: execution.Slippage{Model: execution.SlippageFixed, BaseBps: 10},
		FeeRate:  0.001,
	}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	// The bar-0 signal fills at bar 1's open, 10bps above for a buy.
	entry := res.Trades[0]
	assert.Equal(t, candles[1].Ts, entry.Ts)
	wantPrice := candles[1].Open * (1 + 10.0/10000)
	assert.InDelta(t, wantPrice, pnlFloat(entry.Price), 1e-6)
	wantFee := wantPrice * pnlFloat(entry.Amount) * 0.001
	assert.InDelta(t, wantFee, pnlFloat(entry.Fee), 1e-6)
}

func TestRunRiskGateBlocksNotional(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 30, 100, 0.001)
	engine, _ := newTestEngine(t, candles, nil, alwaysLong("trend_rider", 1.0, 0.9))

	req := baseRequest(30)
	req.Risk = risk.Config{MaxNotional: 50}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.Run.Metrics.Trades)
	assert.InDelta(t, 10000, res.Run.Metrics.FinalEquity, 1e-9)

	blocked := false
	for _, d := range res.Decisions {
		if strings.Contains(d.Reasoning, "blocked by NOTIONAL") {
			blocked = true
			break
		}
	}
	assert.True(t, blocked, "expected a NOTIONAL block annotation in the decision trace")
}

func TestRunSingleStrategyStopLoss(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 12, 100, 0)
	// Bar 5 crashes through the stop.
	candles[5].Low = 90
	candles[5].Close = 92

	strat := entryOnce("stopper", candles[0].Ts, strategy.Signal{
		Intent:       domain.IntentLong,
		Confidence:   0.8,
		TargetWeight: 1,
		StopLoss:     95,
		Reason:       "breakout probe",
	})
	engine, _ := newTestEngine(t, candles, nil, strat)

	req := baseRequest(12)
	req.StrategyID = "stopper"
	req.Fill = execution.SimulatedConfig{FeeRate: 0}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	assert.Equal(t, "stop_loss", exit.Reason)
	assert.Equal(t, candles[5].Ts, exit.Ts)
	assert.InDelta(t, 95, pnlFloat(exit.Price), 1e-9)
	require.True(t, exit.RealizedPnL.Valid)
	assert.Less(t, pnlFloat(exit.RealizedPnL.Decimal), 0.0)

	assert.Equal(t, 1, res.Run.Metrics.Trades)
	assert.InDelta(t, 0, res.Run.Metrics.WinRate, 1e-9)
	assert.InDelta(t, 9500, res.Run.Metrics.FinalEquity, 1e-6)
}

func TestRunSingleStrategyTakeProfit(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 12, 100, 0)
	// Bar 5 spikes through the target.
	candles[5].High = 106
	candles[5].Close = 104

	strat := entryOnce("scalper", candles[0].Ts, strategy.Signal{
		Intent:       domain.IntentLong,
		Confidence:   0.8,
		TargetWeight: 1,
		TakeProfit:   105,
		Reason:       "range pop",
	})
	engine, _ := newTestEngine(t, candles, nil, strat)

	req := baseRequest(12)
	req.StrategyID = "scalper"
	req.Fill = execution.SimulatedConfig{FeeRate: 0}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	assert.Equal(t, "take_profit", exit.Reason)
	assert.Equal(t, candles[5].Ts, exit.Ts)
	assert.InDelta(t, 105, pnlFloat(exit.Price), 1e-9)
	assert.InDelta(t, 1.0, res.Run.Metrics.WinRate, 1e-9)
	assert.InDelta(t, 10500, res.Run.Metrics.FinalEquity, 1e-6)
}

func TestRunSingleStrategyTimeStop(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 12, 100, 0)
	strat := entryOnce("swing", candles[0].Ts, strategy.Signal{
		Intent:       domain.IntentLong,
		Confidence:   0.8,
		TargetWeight: 1,
		TimeStopBars: 3,
		Reason:       "swing entry",
	})
	engine, _ := newTestEngine(t, candles, nil, strat)

	req := baseRequest(12)
	req.StrategyID = "swing"
	req.Fill = execution.SimulatedConfig{FeeRate: 0}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	// Entry fills at bar 1; three bars later the time stop fires at the open.
	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	assert.Equal(t, "time_stop", exit.Reason)
	assert.Equal(t, candles[4].Ts, exit.Ts)
	assert.InDelta(t, candles[4].Open, pnlFloat(exit.Price), 1e-9)
}

func TestRunFundingAccrual(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 72, 100, 0)
	funding := []domain.FundingRate{testingpkg.FundingFixture(testSymbol, testStart, 0.0001)}
	strat := entryOnce("carry", candles[0].Ts, strategy.Signal{
		Intent:       domain.IntentLong,
		Confidence:   0.8,
		TargetWeight: 1,
		Reason:       "carry entry",
	})
	engine, _ := newTestEngine(t, candles, funding, strat)

	req := baseRequest(72)
	req.StrategyID = "carry"
	req.Fill = execution.SimulatedConfig{FeeRate: 0}
	req.AccrueFunding = true

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	// Long 10000 notional paying 1bp at each of the 8 boundaries in range.
	assert.InDelta(t, -8, res.Run.Metrics.FundingPnL, 1e-9)
	assert.InDelta(t, 9992, res.Run.Metrics.FinalEquity, 1e-9)

	// Disabled accrual leaves the funding leg at zero.
	req.AccrueFunding = false
	res, err = engine.Run(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Run.Metrics.FundingPnL, 1e-9)
	assert.InDelta(t, 10000, res.Run.Metrics.FinalEquity, 1e-9)
}

func TestRunFlipLongToShort(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 30, 100, 0)
	flipTs := candles[10].Ts
	flipper := &stubStrategy{id: "flipper", signal: func(snap *domain.MarketSnapshot) strategy.Signal {
		if snap.LastTs() >= flipTs {
			return strategy.Signal{
				StrategyID: "flipper", Ts: snap.LastTs(),
				Intent: domain.IntentShort, Confidence: 0.9, TargetWeight: -1, Reason: "go short",
			}
		}
		return strategy.Signal{
			StrategyID: "flipper", Ts: snap.LastTs(),
			Intent: domain.IntentLong, Confidence: 0.9, TargetWeight: 1, Reason: "go long",
		}
	}}
	engine, _ := newTestEngine(t, candles, nil, flipper)

	req := baseRequest(30)
	req.Fill = execution.SimulatedConfig{FeeRate: 0}

	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	// One-position rule: the flip closes first, the short opens one bar
	// later once the book is flat.
	require.Len(t, res.Trades, 4)
	assert.Equal(t, ActionOpen, res.Trades[0].Action)
	assert.Equal(t, domain.SideBuy, res.Trades[0].Side)
	assert.Equal(t, candles[1].Ts, res.Trades[0].Ts)

	assert.Equal(t, ActionClose, res.Trades[1].Action)
	assert.Equal(t, domain.SideSell, res.Trades[1].Side)
	assert.Equal(t, candles[11].Ts, res.Trades[1].Ts)

	assert.Equal(t, ActionOpen, res.Trades[2].Action)
	assert.Equal(t, domain.SideSell, res.Trades[2].Side)
	assert.Equal(t, candles[12].Ts, res.Trades[2].Ts)

	assert.Equal(t, ActionClose, res.Trades[3].Action)
	assert.Equal(t, domain.SideBuy, res.Trades[3].Side)
	assert.Equal(t, candles[29].Ts, res.Trades[3].Ts)

	blocked := false
	for _, d := range res.Decisions {
		if strings.Contains(d.Reasoning, "blocked by POSITION_EXCLUSIVE") {
			blocked = true
			break
		}
	}
	assert.True(t, blocked, "expected the flip's open leg to wait for the close")

	require.Len(t, res.Positions, 4)
	assert.Equal(t, domain.PositionLong, res.Positions[0].PosSide)
	assert.Equal(t, domain.PositionFlat, res.Positions[1].PosSide)
	assert.Equal(t, domain.PositionShort, res.Positions[2].PosSide)
	assert.Equal(t, domain.PositionFlat, res.Positions[3].PosSide)
}

func TestRunDeterministicPerSeed(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 50, 100, 0)
	engine, _ := newTestEngine(t, candles, nil, alwaysLong("trend_rider", 1.0, 0.9))

	req := baseRequest(50)
	req.Fill = execution.SimulatedConfig{
		Slippage:  execution.Slippage{Model: execution.SlippageFixed, BaseBps: 5},
		FeeRate:   0.001,
		JitterBps: 3,
		Seed:      11,
	}

	first, err := engine.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.Run.RunID, second.Run.RunID)
	assert.Equal(t, first.Run.Metrics, second.Run.Metrics)
	require.Equal(t, len(first.Trades), len(second.Trades))
	for i := range first.Trades {
		assert.True(t, first.Trades[i].Price.Equal(second.Trades[i].Price),
			"trade %d price diverged: %s vs %s", i, first.Trades[i].Price, second.Trades[i].Price)
	}
}

func TestRunCanceledContextFailsRun(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, testStart, 10, 100, 0)
	engine, runs := newTestEngine(t, candles, nil, alwaysLong("trend_rider", 1.0, 0.9))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, baseRequest(10))
	require.ErrorIs(t, err, context.Canceled)

	stored, err := runs.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusFailed, stored[0].Status)
}

func TestRunValidation(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)

	req := baseRequest(10)
	req.Timeframe = "7m"
	_, err := engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeframe")

	req = baseRequest(10)
	req.StartTs, req.EndTs = req.EndTs, req.StartTs
	_, err = engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not before")

	req = baseRequest(10)
	req.InitialCapital = decimal.Zero
	_, err = engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial capital")

	req = baseRequest(10)
	req.Fill.Slippage.Model = "psychic"
	_, err = engine.Run(context.Background(), req)
	require.Error(t, err)

	req = baseRequest(10)
	req.StrategyID = "missing"
	_, err = engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy not found")

	// Valid request, but nothing ingested for the range.
	req = baseRequest(10)
	_, err = engine.Run(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 candles")
}
