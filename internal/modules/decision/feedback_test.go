package decision

import (
	"database/sql"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

const hourMs = int64(3_600_000)

// newDecisionDB returns a migrated scratch database for analyzer tests.
func newDecisionDB(t *testing.T) *database.DB {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)
	return db
}

// seedTrade inserts one realized trade row. pnl nil marks an open leg that
// still contributes notional.
func seedTrade(t *testing.T, conn *sql.DB, ts int64, price, amount float64, pnl *float64) {
	t.Helper()
	var pnlVal any
	if pnl != nil {
		pnlVal = strconv.FormatFloat(*pnl, 'f', -1, 64)
	}
	_, err := conn.Exec(
		`INSERT INTO trades (symbol, side, price, amount, fee, realized_pnl, ts)
		 VALUES (?, 'BUY', ?, ?, '0', ?, ?)`,
		testSymbol,
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatFloat(amount, 'f', -1, 64),
		pnlVal, ts,
	)
	require.NoError(t, err)
}

func pnlOf(v float64) *float64 { return &v }

func TestAnalyzeWeightedStats(t *testing.T) {
	db := newDecisionDB(t)
	conn := db.Conn()
	repo := NewDecisionRepository(conn)
	base := int64(1_700_000_000_000)

	d1 := sampleDecision(base, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 0.6},
		Allocation{StrategyID: "bollinger_range", Weight: 0.4},
	)
	d2 := sampleDecision(base+hourMs, 0.5, Allocation{StrategyID: "ema_trend", Weight: 1.0})
	d3 := sampleDecision(base+2*hourMs, 0.3, Allocation{StrategyID: "bollinger_range", Weight: 1.0})
	d3.Regime = "RANGE"
	for _, d := range []*Decision{d1, d2, d3} {
		require.NoError(t, repo.Insert(d))
	}

	// Window 1 wins (+10 on 100 notional), window 2 loses, window 3 wins.
	// The last window extends by the median interval (1h).
	seedTrade(t, conn, base+10_000, 100, 1, pnlOf(10))
	seedTrade(t, conn, base+hourMs+10_000, 100, 1, pnlOf(-5))
	seedTrade(t, conn, base+2*hourMs+1_800_000, 200, 1, pnlOf(20))

	report, err := NewAnalyzer(conn, zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Decisions)

	ema, ok := report.Stats("ema_trend")
	require.True(t, ok)
	assert.InDelta(t, 0.375, ema.WinRate, 1e-9, "0.6 winning weight over 1.6 total")
	assert.InDelta(t, 0.00625, ema.AvgReturn, 1e-9)
	assert.Equal(t, 2, ema.Windows)
	assert.InDelta(t, 0.05, ema.Drawdown, 1e-9, "cumulative 0.06 then 0.01")

	boll, ok := report.Stats("bollinger_range")
	require.True(t, ok)
	assert.InDelta(t, 1.0, boll.WinRate, 1e-9)
	assert.InDelta(t, 0.1, boll.AvgReturn, 1e-9)
	assert.Equal(t, 2, boll.Windows)
	assert.Zero(t, boll.Drawdown)

	trend := report.Regimes["TREND"]
	assert.Equal(t, 2, trend.Windows)
	assert.InDelta(t, 0.5, trend.WinRate, 1e-9)
	assert.InDelta(t, 0.025, trend.AvgReturn, 1e-9)

	rng := report.Regimes["RANGE"]
	assert.Equal(t, 1, rng.Windows)
	assert.InDelta(t, 1.0, rng.WinRate, 1e-9)
}

func TestAnalyzeSkipsWindowsWithoutNotional(t *testing.T) {
	db := newDecisionDB(t)
	conn := db.Conn()
	repo := NewDecisionRepository(conn)
	base := int64(1_700_000_000_000)

	require.NoError(t, repo.Insert(sampleDecision(base, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 1.0})))
	require.NoError(t, repo.Insert(sampleDecision(base+hourMs, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 1.0})))

	// Only the second window trades.
	seedTrade(t, conn, base+hourMs+10_000, 100, 2, pnlOf(4))

	report, err := NewAnalyzer(conn, zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)

	ema, ok := report.Stats("ema_trend")
	require.True(t, ok)
	assert.Equal(t, 1, ema.Windows, "empty window contributes nothing")
	assert.InDelta(t, 1.0, ema.WinRate, 1e-9)
	assert.InDelta(t, 0.02, ema.AvgReturn, 1e-9)
}

func TestAnalyzeLastWindowEndExclusive(t *testing.T) {
	db := newDecisionDB(t)
	conn := db.Conn()
	repo := NewDecisionRepository(conn)
	base := int64(1_700_000_000_000)

	require.NoError(t, repo.Insert(sampleDecision(base, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 1.0})))
	require.NoError(t, repo.Insert(sampleDecision(base+hourMs, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 1.0})))

	// Last window spans [base+1h, base+2h); a trade at the boundary is out.
	seedTrade(t, conn, base+2*hourMs, 100, 1, pnlOf(50))

	report, err := NewAnalyzer(conn, zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)
	_, ok := report.Stats("ema_trend")
	assert.False(t, ok, "boundary trade belongs to no window")
}

func TestAnalyzeOpenLegsCountTowardNotional(t *testing.T) {
	db := newDecisionDB(t)
	conn := db.Conn()
	repo := NewDecisionRepository(conn)
	base := int64(1_700_000_000_000)

	require.NoError(t, repo.Insert(sampleDecision(base, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 1.0})))

	seedTrade(t, conn, base+10_000, 100, 1, nil)       // open, no pnl yet
	seedTrade(t, conn, base+20_000, 100, 1, pnlOf(10)) // close

	report, err := NewAnalyzer(conn, zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)

	ema, ok := report.Stats("ema_trend")
	require.True(t, ok)
	assert.InDelta(t, 0.05, ema.AvgReturn, 1e-9, "10 pnl over 200 notional")
}

func TestAnalyzeNormalizesStoredWeights(t *testing.T) {
	db := newDecisionDB(t)
	conn := db.Conn()
	repo := NewDecisionRepository(conn)
	base := int64(1_700_000_000_000)

	// Raw weights 3:1 should count as 0.75:0.25.
	require.NoError(t, repo.Insert(sampleDecision(base, 0.4,
		Allocation{StrategyID: "ema_trend", Weight: 3},
		Allocation{StrategyID: "bollinger_range", Weight: 1},
	)))
	require.NoError(t, repo.Insert(sampleDecision(base+hourMs, 0.4,
		Allocation{StrategyID: "bollinger_range", Weight: 1.0})))

	seedTrade(t, conn, base+10_000, 100, 1, pnlOf(10))
	seedTrade(t, conn, base+hourMs+10_000, 100, 1, pnlOf(-10))

	report, err := NewAnalyzer(conn, zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)

	boll, ok := report.Stats("bollinger_range")
	require.True(t, ok)
	assert.InDelta(t, 0.2, boll.WinRate, 1e-9, "0.25 winning weight over 1.25 total")
}

func TestAnalyzeEmpty(t *testing.T) {
	db := newDecisionDB(t)

	report, err := NewAnalyzer(db.Conn(), zerolog.Nop()).Analyze(testSymbol, domain.TF1h)
	require.NoError(t, err)
	assert.Zero(t, report.Decisions)
	assert.Empty(t, report.Strategies)
	assert.Contains(t, report.Summary(), "no realized trade outcomes yet")
}

func TestReportSummary(t *testing.T) {
	report := &Report{
		Symbol:    testSymbol,
		Decisions: 8,
		Strategies: map[string]StrategyStats{
			"ema_trend":       {StrategyID: "ema_trend", WinRate: 0.6, AvgReturn: 0.012, Windows: 5},
			"bollinger_range": {StrategyID: "bollinger_range", WinRate: 0.25, AvgReturn: -0.004, Windows: 4},
		},
		Regimes: map[string]RegimeStats{
			"TREND": {Regime: "TREND", WinRate: 0.7, AvgReturn: 0.01, Windows: 5},
			"RANGE": {Regime: "RANGE", WinRate: 0.2, AvgReturn: -0.01, Windows: 3},
		},
	}

	s := report.Summary()
	assert.Contains(t, s, "Outcomes over the last 8 decisions:")
	assert.Contains(t, s, "- ema_trend: win rate 60%, avg return +1.20%")
	assert.Contains(t, s, "- bollinger_range: win rate 25%, avg return -0.40%")
	assert.Contains(t, s, "Best performing strategy: ema_trend (win rate 60%)")
	assert.Contains(t, s, "Worst performing strategy: bollinger_range (win rate 25%)")
	assert.Contains(t, s, "Best performing regime: TREND (win rate 70%)")
	assert.Contains(t, s, "Worst performing regime: RANGE (win rate 20%)")
}

func TestMedianInterval(t *testing.T) {
	mk := func(ts ...int64) []Decision {
		out := make([]Decision, len(ts))
		for i, v := range ts {
			out[i] = Decision{Ts: v}
		}
		return out
	}

	assert.Equal(t, hourMs, medianInterval(mk(0), hourMs), "single decision falls back")
	assert.Equal(t, int64(100), medianInterval(mk(0, 100), hourMs))
	assert.Equal(t, int64(150), medianInterval(mk(0, 100, 300), hourMs), "even count averages the middle pair")
	assert.Equal(t, int64(100), medianInterval(mk(0, 100, 200, 10_000), hourMs), "median shrugs off one gap")
	assert.Equal(t, hourMs, medianInterval(mk(0, 0, 0), hourMs), "duplicate timestamps fall back")
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, maxDrawdown(nil))
	assert.Zero(t, maxDrawdown([]float64{0.1, 0.2}), "monotone gains never draw down")
	assert.InDelta(t, 0.3, maxDrawdown([]float64{0.2, -0.3, 0.1}), 1e-9)
	assert.InDelta(t, 1.0, maxDrawdown([]float64{-2.0}), 1e-9, "clamped to 1")
}
