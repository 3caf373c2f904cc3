package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

const testSymbol = "BTC-USDT-SWAP"

func sampleDecision(ts int64, total float64, allocs ...Allocation) *Decision {
	return &Decision{
		Ts:            ts,
		Symbol:        testSymbol,
		Timeframe:     "1h",
		Regime:        "TREND",
		Allocations:   allocs,
		TotalPosition: total,
		Confidence:    0.8,
		Reasoning:     "steady uptrend",
		Source:        SourcePortfolio,
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewDecisionRepository(db)

	d := sampleDecision(1_700_000_000_000, 0.42,
		Allocation{StrategyID: "ema_trend", Weight: 0.7, Score: 0.82, RegimeScore: 1.0, PerformanceScore: 0.55, Confidence: 0.85},
		Allocation{StrategyID: "funding_arb", Weight: 0.3, Score: 0.6, RegimeScore: 0.6, PerformanceScore: 0.5, Confidence: 0.9},
	)
	d.PromptVersion = "v1"
	d.ModelVersion = "deepseek-chat"
	require.NoError(t, repo.Insert(d))
	assert.NotZero(t, d.ID)

	got, err := repo.Latest(testSymbol)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Ts, got.Ts)
	assert.Equal(t, "TREND", got.Regime)
	assert.Equal(t, 0.42, got.TotalPosition)
	assert.Equal(t, "steady uptrend", got.Reasoning)
	assert.Equal(t, "v1", got.PromptVersion)
	assert.Equal(t, "deepseek-chat", got.ModelVersion)
	require.Len(t, got.Allocations, 2)
	assert.Equal(t, "ema_trend", got.Allocations[0].StrategyID)
	assert.Equal(t, 0.7, got.Allocations[0].Weight)
	assert.Equal(t, 1.0, got.Allocations[0].RegimeScore)
	assert.Equal(t, "funding_arb", got.Allocations[1].StrategyID)
}

func TestDecisionLatestEmpty(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewDecisionRepository(db)

	got, err := repo.Latest(testSymbol)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecisionNilAllocationsStoredAsEmptyList(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewDecisionRepository(db)

	d := sampleDecision(1_700_000_000_000, 0)
	require.NoError(t, repo.Insert(d))

	var blob string
	require.NoError(t, db.QueryRow(
		`SELECT allocations_json FROM decisions WHERE id = ?`, d.ID).Scan(&blob))
	assert.Equal(t, "[]", blob)

	got, err := repo.Latest(testSymbol)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Allocations)
	assert.True(t, got.Hold())
}

func TestDecisionListRecentAscending(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewDecisionRepository(db)

	base := int64(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(sampleDecision(base+int64(i)*3_600_000, 0.1)))
	}

	got, err := repo.ListRecent(testSymbol, 3)
	require.NoError(t, err)
	require.Len(t, got, 3, "limit keeps only the newest")
	assert.Equal(t, base+2*3_600_000, got[0].Ts, "oldest of the kept window comes first")
	assert.Equal(t, base+3*3_600_000, got[1].Ts)
	assert.Equal(t, base+4*3_600_000, got[2].Ts)
}

func TestDecisionListRecentOtherSymbolExcluded(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewDecisionRepository(db)

	d := sampleDecision(1_700_000_000_000, 0.1)
	d.Symbol = "ETH-USDT-SWAP"
	require.NoError(t, repo.Insert(d))

	got, err := repo.ListRecent(testSymbol, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLLMRunRoundTrip(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	repo := NewLLMRunRepository(db)

	accepted := &LLMRun{
		Ts:        1_700_000_000_000,
		Provider:  "deepseek",
		Model:     "deepseek-chat",
		LatencyMs: 840,
		Prompt:    "system\n\nuser",
		Response:  `{"confidence":0.9}`,
		Outcome:   OutcomeAccepted,
	}
	require.NoError(t, repo.Insert(accepted))
	assert.NotZero(t, accepted.ID)

	rejected := &LLMRun{
		Ts:           1_700_000_060_000,
		Provider:     "deepseek",
		Model:        "deepseek-chat",
		Prompt:       "system\n\nuser",
		Outcome:      OutcomeRejected,
		RejectReason: RejectLowConfidence,
	}
	require.NoError(t, repo.Insert(rejected))

	runs, err := repo.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, OutcomeRejected, runs[0].Outcome, "newest first")
	assert.Equal(t, RejectLowConfidence, runs[0].RejectReason)
	assert.Empty(t, runs[0].Response)
	assert.Equal(t, OutcomeAccepted, runs[1].Outcome)
	assert.Equal(t, int64(840), runs[1].LatencyMs)
	assert.Empty(t, runs[1].RejectReason)
}
