package regime

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/meridianq/perpcore/internal/domain"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

const testSymbol = "BTC-USDT-SWAP"

func classify(t *testing.T, candles []domain.Candle) domain.RegimeContext {
	t.Helper()
	c := NewClassifier(DefaultConfig(), zerolog.Nop())
	return c.Classify(&domain.MarketSnapshot{
		Symbol:    testSymbol,
		Timeframe: domain.TF1h,
		Candles:   candles,
	})
}

// choppyCandles builds a flat two-sided range with a breathing amplitude,
// so highs and lows wiggle enough for directional indicators to stay
// defined while staying near zero.
func choppyCandles(n int, mid, amp float64) []domain.Candle {
	closes := make([]float64, n)
	for k := range closes {
		a := amp * (1 + 0.2*math.Sin(float64(k)/7))
		if k%2 == 0 {
			closes[k] = mid - a
		} else {
			closes[k] = mid + a
		}
	}
	return candlesFromCloses(closes)
}

// squeezeCandles is a wide chop that compresses hard for its last 25 bars:
// the shape the breakout rule hunts for. A break bar is appended by tests.
func squeezeCandles() []domain.Candle {
	closes := make([]float64, 0, 110)
	for k := 0; k < 110; k++ {
		amp := 0.15
		if k >= 85 {
			amp = 0.05
		}
		a := amp * (1 + 0.2*math.Sin(float64(k)/7))
		if k%2 == 0 {
			closes = append(closes, 100-a)
		} else {
			closes = append(closes, 100+a)
		}
	}
	return candlesFromCloses(closes)
}

func candlesFromCloses(closes []float64) []domain.Candle {
	tf := domain.TF1h
	start := tf.Align(1_700_000_000_000)
	bar := tf.Millis()
	out := make([]domain.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		high, low := prev, c
		if c > prev {
			high, low = c, prev
		}
		out[i] = domain.Candle{
			Symbol:    testSymbol,
			Timeframe: domain.TF1h,
			Ts:        start + int64(i)*bar,
			Open:      prev,
			High:      high + 0.05,
			Low:       low - 0.05,
			Close:     c,
			Volume:    1000,
		}
		prev = c
	}
	return out
}

func appendBreakBar(candles []domain.Candle, close, volume float64) []domain.Candle {
	tf := domain.TF1h
	prev := candles[len(candles)-1]
	return append(candles, domain.Candle{
		Symbol:    testSymbol,
		Timeframe: tf,
		Ts:        prev.Ts + tf.Millis(),
		Open:      prev.Close,
		High:      close + 0.05,
		Low:       prev.Close - 0.05,
		Close:     close,
		Volume:    volume,
	})
}

func TestClassifyTrend(t *testing.T) {
	candles := testingpkg.TrendCandles(testSymbol, domain.TF1h, domain.TF1h.Align(1_700_000_000_000), 120, 100, 0.01)

	ctx := classify(t, candles)
	assert.Equal(t, domain.RegimeTrend, ctx.Regime)
	assert.Greater(t, ctx.ADX, 20.0)
}

func TestClassifyRange(t *testing.T) {
	ctx := classify(t, choppyCandles(120, 42000, 40))

	assert.Equal(t, domain.RegimeRange, ctx.Regime)
	assert.Less(t, ctx.ADX, 18.0)
	assert.Less(t, ctx.BBWidth, 0.04)
}

func TestClassifyBreakout(t *testing.T) {
	// Squeeze, then a 6% pop through the range high on 2.5x volume. The
	// pop bar blows the band width past the RANGE bound, so the squeeze
	// rule is what has to catch it.
	candles := appendBreakBar(squeezeCandles(), 106, 2500)

	ctx := classify(t, candles)
	assert.Equal(t, domain.RegimeBreakout, ctx.Regime)
}

func TestClassifyHighVol(t *testing.T) {
	// Same pop without the volume surge: not a breakout, but the bar
	// pushes ATR to the top of its lookback.
	candles := appendBreakBar(squeezeCandles(), 106, 1000)

	ctx := classify(t, candles)
	assert.Equal(t, domain.RegimeHighVol, ctx.Regime)
	assert.Greater(t, ctx.ATRPct, 80.0)
}

func TestClassifyUndefinedOnShortSeries(t *testing.T) {
	ctx := classify(t, choppyCandles(10, 42000, 40))

	assert.Equal(t, domain.RegimeUndefined, ctx.Regime)
	assert.Zero(t, ctx.ADX)
	assert.Zero(t, ctx.BBWidth)
	assert.Zero(t, ctx.ATRPct)
}

func TestClassifyEmptySnapshot(t *testing.T) {
	ctx := classify(t, nil)
	assert.Equal(t, domain.RegimeUndefined, ctx.Regime)
}
