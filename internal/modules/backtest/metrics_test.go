package backtest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
)

func curveOf(values ...string) []EquityPoint {
	points := make([]EquityPoint, 0, len(values))
	peak := decimal.Zero
	for i, v := range values {
		eq := dec(v)
		if eq.GreaterThan(peak) {
			peak = eq
		}
		dd := 0.0
		if eq.LessThan(peak) {
			dd, _ = peak.Sub(eq).Div(peak).Float64()
		}
		points = append(points, EquityPoint{Ts: int64(i) * 1000, Equity: eq, Drawdown: dd})
	}
	return points
}

func closedTrade(pnl string) Trade {
	return Trade{
		Action:      ActionClose,
		RealizedPnL: decimal.NullDecimal{Decimal: dec(pnl), Valid: true},
	}
}

func TestComputeMetricsUptrend(t *testing.T) {
	curve := curveOf("10000", "10100", "10200", "10300")
	trades := []Trade{
		{Action: ActionOpen}, // open fills carry no realized pnl
		closedTrade("300"),
	}

	m := computeMetrics(curve, trades, dec("-2"), dec("10000"), domain.TF1h)

	assert.InDelta(t, 0.03, m.TotalReturn, 1e-9)
	assert.InDelta(t, 3.0, m.TotalReturnPct, 1e-9)
	assert.Greater(t, m.CAGR, 0.0)
	assert.InDelta(t, 0, m.MaxDrawdown, 1e-12)
	assert.Equal(t, 0, m.MaxDrawdownBars)
	assert.Greater(t, m.Sharpe, 0.0)
	assert.InDelta(t, 0, m.Calmar, 1e-12)

	assert.Equal(t, 1, m.Trades)
	assert.Equal(t, 1, m.Wins)
	assert.InDelta(t, 1.0, m.WinRate, 1e-9)
	assert.Nil(t, m.ProfitFactor, "no losses, factor undefined")
	assert.Nil(t, m.PayoffRatio)
	assert.InDelta(t, -2, m.FundingPnL, 1e-9)
	assert.InDelta(t, 10300, m.FinalEquity, 1e-9)
}

func TestComputeMetricsDrawdownDuration(t *testing.T) {
	curve := curveOf("100", "110", "99", "101", "111")

	m := computeMetrics(curve, nil, decimal.Zero, dec("100"), domain.TF1h)

	assert.InDelta(t, 0.1, m.MaxDrawdown, 1e-9)
	assert.Equal(t, 2, m.MaxDrawdownBars)
	assert.InDelta(t, 0.11, m.TotalReturn, 1e-9)
}

func TestComputeMetricsMixedTrades(t *testing.T) {
	curve := curveOf("10000", "10030", "10020", "10040", "10035")
	trades := []Trade{
		closedTrade("30"),
		closedTrade("-10"),
		closedTrade("20"),
		closedTrade("-5"),
	}

	m := computeMetrics(curve, trades, decimal.Zero, dec("10000"), domain.TF1h)

	assert.Equal(t, 4, m.Trades)
	assert.Equal(t, 2, m.Wins)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	require.NotNil(t, m.ProfitFactor)
	assert.InDelta(t, 50.0/15, *m.ProfitFactor, 1e-9)
	require.NotNil(t, m.PayoffRatio)
	assert.InDelta(t, 25.0/7.5, *m.PayoffRatio, 1e-9)
}

func TestComputeMetricsEmptyRun(t *testing.T) {
	m := computeMetrics(nil, nil, decimal.Zero, dec("10000"), domain.TF1h)

	assert.InDelta(t, 10000, m.FinalEquity, 1e-9)
	assert.InDelta(t, 0, m.TotalReturn, 1e-12)
	assert.Equal(t, 0, m.Trades)
	assert.InDelta(t, 0, m.WinRate, 1e-12)
	assert.InDelta(t, 0, m.Sharpe, 1e-12)
	assert.InDelta(t, 0, m.Sortino, 1e-12)
	assert.Nil(t, m.ProfitFactor)
	assert.Nil(t, m.PayoffRatio)
}

func TestComputeMetricsSortinoZeroWithoutDownside(t *testing.T) {
	curve := curveOf("10000", "10100", "10200", "10300")

	m := computeMetrics(curve, nil, decimal.Zero, dec("10000"), domain.TF1h)

	// Sharpe annualizes normally; Sortino stays zero when no bar lost money.
	assert.Greater(t, m.Sharpe, 0.0)
	assert.InDelta(t, 0, m.Sortino, 1e-12)

	down := curveOf("10000", "9900", "10100", "10300")
	m = computeMetrics(down, nil, decimal.Zero, dec("10000"), domain.TF1h)
	assert.NotZero(t, m.Sortino)
}
