package decision

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/strategy"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

// stubStrategy returns a fixed signal; scheduler and engine tests need
// deterministic outputs, not real indicator math.
type stubStrategy struct {
	id      string
	regimes []domain.Regime
	signal  strategy.Signal
}

func (s *stubStrategy) ID() string                                    { return s.id }
func (s *stubStrategy) Timeframe() domain.Timeframe                   { return domain.TF1h }
func (s *stubStrategy) RequiredRegimes() []domain.Regime              { return s.regimes }
func (s *stubStrategy) Params() any                                   { return nil }
func (s *stubStrategy) Signal(*domain.MarketSnapshot) strategy.Signal { return s.signal }

func stub(id string, regimes []domain.Regime, target, confidence float64) *stubStrategy {
	return &stubStrategy{
		id:      id,
		regimes: regimes,
		signal: strategy.Signal{
			StrategyID:   id,
			Intent:       domain.IntentLong,
			Confidence:   confidence,
			TargetWeight: target,
		},
	}
}

func stubRegistry(stubs ...*stubStrategy) *strategy.Registry {
	reg := strategy.NewRegistry(zerolog.Nop())
	for _, s := range stubs {
		reg.Register(s, true)
	}
	return reg
}

func testSnapshot(tf domain.Timeframe) *domain.MarketSnapshot {
	start := tf.Align(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	candles := testingpkg.TrendCandles(testSymbol, tf, start, 60, 50_000, 0.001)
	return &domain.MarketSnapshot{
		Symbol:    testSymbol,
		Timeframe: tf,
		Candles:   candles,
		AsOf:      candles[len(candles)-1].Ts,
	}
}

func trendContext() domain.RegimeContext {
	return domain.RegimeContext{Regime: domain.RegimeTrend, ADX: 32, BBWidth: 0.05, ATRPct: 0.02}
}

func newScheduler(cfg SchedulerConfig, stubs ...*stubStrategy) *Scheduler {
	return NewScheduler(cfg, stubRegistry(stubs...), zerolog.Nop())
}

func TestSchedulerScoresAndWeights(t *testing.T) {
	sched := newScheduler(
		SchedulerConfig{TopK: 3, MinScore: 0.45, GlobalLeverage: 1},
		stub("trend", []domain.Regime{domain.RegimeTrend}, 0.5, 0.8),
		stub("ranger", []domain.Regime{domain.RegimeRange}, -0.3, 0.9),
		stub("carry", nil, 0.2, 0.7),
	)
	snap := testSnapshot(domain.TF1h)

	d := sched.Decide(snap, trendContext(), nil)
	require.NotNil(t, d)
	assert.Equal(t, SourcePortfolio, d.Source)
	assert.Equal(t, snap.LastTs(), d.Ts)
	assert.Equal(t, "TREND", d.Regime)

	// trend 0.6*1.0+0.4*0.5=0.80, carry 0.6*0.6+0.4*0.5=0.56,
	// ranger 0.6*0.3+0.4*0.5=0.38 falls below the floor.
	require.Len(t, d.Allocations, 2)
	top := d.Allocations[0]
	assert.Equal(t, "trend", top.StrategyID)
	assert.InDelta(t, 0.80, top.Score, 1e-9)
	assert.InDelta(t, 1.0, top.RegimeScore, 1e-9)
	assert.InDelta(t, 0.5, top.PerformanceScore, 1e-9)
	assert.InDelta(t, 0.80/1.36, top.Weight, 1e-9)
	assert.Equal(t, "carry", d.Allocations[1].StrategyID)
	assert.InDelta(t, 0.56/1.36, d.Allocations[1].Weight, 1e-9)

	wTrend, wCarry := 0.80/1.36, 0.56/1.36
	assert.InDelta(t, wTrend*0.5+wCarry*0.2, d.TotalPosition, 1e-9)
	assert.InDelta(t, wTrend*0.8+wCarry*0.7, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasoning, "selected 2 of 3")
}

func TestSchedulerPerformanceOrdering(t *testing.T) {
	sched := newScheduler(
		SchedulerConfig{TopK: 2, MinScore: 0.45, GlobalLeverage: 1},
		stub("a", []domain.Regime{domain.RegimeTrend}, 0.4, 0.8),
		stub("b", []domain.Regime{domain.RegimeTrend}, 0.4, 0.8),
		stub("c", []domain.Regime{domain.RegimeTrend}, 0.4, 0.8),
	)
	report := &Report{
		Symbol: testSymbol,
		Strategies: map[string]StrategyStats{
			"a": {StrategyID: "a", WinRate: 1.0, AvgReturn: 0.5, Drawdown: 0, Windows: 10},
			"c": {StrategyID: "c", WinRate: 0.0, AvgReturn: -0.5, Drawdown: 1, Windows: 10},
		},
	}

	d := sched.Decide(testSnapshot(domain.TF1h), trendContext(), report)
	require.Len(t, d.Allocations, 2, "top-2 keeps the scored leaders")
	assert.Equal(t, "a", d.Allocations[0].StrategyID)
	assert.Equal(t, "b", d.Allocations[1].StrategyID, "neutral history outranks losing history")
	// a: perf 0.5*1 + 0.3*0.75 + 0.2*1 = 0.925 -> 0.97
	assert.InDelta(t, 0.97, d.Allocations[0].Score, 1e-9)
	assert.InDelta(t, 0.925, d.Allocations[0].PerformanceScore, 1e-9)
	assert.InDelta(t, 0.80, d.Allocations[1].Score, 1e-9)
}

func TestSchedulerNoCandidates(t *testing.T) {
	sched := newScheduler(
		SchedulerConfig{TopK: 3, MinScore: 0.45, GlobalLeverage: 1},
		stub("ranger", []domain.Regime{domain.RegimeRange}, 0.5, 0.9),
	)
	snap := testSnapshot(domain.TF1h)

	d := sched.Decide(snap, trendContext(), nil)
	require.NotNil(t, d)
	assert.Empty(t, d.Allocations)
	assert.Zero(t, d.TotalPosition)
	assert.True(t, d.Hold())
	assert.Contains(t, d.Reasoning, "no strategy scored above")
}

func TestSchedulerClampsTargetToLeverage(t *testing.T) {
	sched := newScheduler(
		SchedulerConfig{TopK: 3, MinScore: 0.45, GlobalLeverage: 0.5},
		stub("trend", []domain.Regime{domain.RegimeTrend}, 1.0, 0.9),
	)

	d := sched.Decide(testSnapshot(domain.TF1h), trendContext(), nil)
	assert.InDelta(t, 0.5, d.TotalPosition, 1e-9)

	short := newScheduler(
		SchedulerConfig{TopK: 3, MinScore: 0.45, GlobalLeverage: 0.5},
		stub("trend", []domain.Regime{domain.RegimeTrend}, -1.0, 0.9),
	)
	d = short.Decide(testSnapshot(domain.TF1h), trendContext(), nil)
	assert.InDelta(t, -0.5, d.TotalPosition, 1e-9)
}

func TestRegimeScore(t *testing.T) {
	assert.Equal(t, regimeNeutralScore, regimeScore(domain.RegimeTrend, nil))
	assert.Equal(t, regimeMatchScore, regimeScore(domain.RegimeTrend, []domain.Regime{domain.RegimeBreakout, domain.RegimeTrend}))
	assert.Equal(t, regimeMismatchScore, regimeScore(domain.RegimeHighVol, []domain.Regime{domain.RegimeRange}))
}

func TestPerformanceScore(t *testing.T) {
	assert.Equal(t, neutralPerformance, performanceScore(StrategyStats{}))
	assert.InDelta(t, 0.925, performanceScore(StrategyStats{WinRate: 1, AvgReturn: 0.5, Drawdown: 0, Windows: 5}), 1e-9)
	assert.InDelta(t, 0.0, performanceScore(StrategyStats{WinRate: 0, AvgReturn: -1, Drawdown: 1, Windows: 5}), 1e-9)
	// Out-of-band inputs are clamped before blending.
	assert.InDelta(t, 0.65, performanceScore(StrategyStats{WinRate: 0.5, AvgReturn: 2, Drawdown: 0.5, Windows: 5}), 1e-9)
}
