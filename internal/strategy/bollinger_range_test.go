package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

// fadeDownCloses is a tight chop with a two-bar flush at the end: the
// final close sits several sigmas under the mean with a washed-out RSI.
func fadeDownCloses() []float64 {
	return append(chop(68, 100, 0.1), 99.7, 97.0)
}

func fadeUpCloses() []float64 {
	return append(chop(68, 100, 0.1), 100.3, 103.0)
}

func TestBollingerRangeLongEntry(t *testing.T) {
	tf := domain.TF1h
	start := tf.Align(1_700_000_000_000)
	s := NewBollingerRange(tf)
	// The flush bars themselves spike the directional index; loosen the
	// trend filter so the band/z/RSI mechanics are what is under test.
	s.Params().(*BollingerRangeParams).ADXMax = 30

	sig := s.Signal(snapshot(tf, barsFromCloses(tf, start, fadeDownCloses())))

	require.Equal(t, domain.IntentLong, sig.Intent)
	assert.Equal(t, 0.25, sig.TargetWeight)
	assert.Equal(t, 0.75, sig.Confidence)
	assert.InDelta(t, 97.0*0.98, sig.StopLoss, 1e-9)
	assert.Zero(t, sig.TakeProfit)
	assert.Equal(t, 12, sig.TimeStopBars)
}

func TestBollingerRangeShortEntry(t *testing.T) {
	tf := domain.TF1h
	start := tf.Align(1_700_000_000_000)
	s := NewBollingerRange(tf)
	s.Params().(*BollingerRangeParams).ADXMax = 30

	sig := s.Signal(snapshot(tf, barsFromCloses(tf, start, fadeUpCloses())))

	require.Equal(t, domain.IntentShort, sig.Intent)
	assert.Equal(t, -0.25, sig.TargetWeight)
	assert.InDelta(t, 103.0*1.02, sig.StopLoss, 1e-9)
}

func TestBollingerRangeClosesLongOnMidlineCross(t *testing.T) {
	tf := domain.TF1h
	start := tf.Align(1_700_000_000_000)
	closes := append(fadeDownCloses(), 100.0)

	sig := NewBollingerRange(tf).Signal(snapshot(tf, barsFromCloses(tf, start, closes)))

	assert.Equal(t, domain.IntentCloseLong, sig.Intent)
	assert.Contains(t, sig.Reason, "reverted")
}

func TestBollingerRangeStandsDownInTrend(t *testing.T) {
	tf := domain.TF1h
	start := tf.Align(1_700_000_000_000)
	candles := testingpkg.TrendCandles(testSymbol, tf, start, 70, 100, 0.01)

	sig := NewBollingerRange(tf).Signal(snapshot(tf, candles))

	assert.Equal(t, domain.IntentFlat, sig.Intent)
	assert.Contains(t, sig.Reason, "no range setup")
}
