package testing

import (
	"math"

	"github.com/meridianq/perpcore/internal/domain"
)

// TrendCandles builds n bars in a clean geometric trend (negative drift
// for a downtrend) starting at startTs on the timeframe grid. drift is
// the per-bar fractional move, e.g. 0.002.
func TrendCandles(symbol string, tf domain.Timeframe, startTs int64, n int, startPrice, drift float64) []domain.Candle {
	bar := tf.Millis()
	out := make([]domain.Candle, 0, n)
	price := startPrice
	for i := 0; i < n; i++ {
		next := price * (1 + drift)
		high := math.Max(price, next) * 1.001
		low := math.Min(price, next) * 0.999
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Ts:        startTs + int64(i)*bar,
			Open:      price,
			High:      high,
			Low:       low,
			Close:     next,
			Volume:    1000,
		})
		price = next
	}
	return out
}

// RangeCandles builds n bars oscillating sinusoidally around mid with the
// given amplitude, for range and mean-reversion scenarios.
func RangeCandles(symbol string, tf domain.Timeframe, startTs int64, n int, mid, amplitude float64) []domain.Candle {
	bar := tf.Millis()
	out := make([]domain.Candle, 0, n)
	prev := mid
	for i := 0; i < n; i++ {
		c := mid + amplitude*math.Sin(float64(i)/3)
		high := math.Max(prev, c) * 1.0005
		low := math.Min(prev, c) * 0.9995
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Ts:        startTs + int64(i)*bar,
			Open:      prev,
			High:      high,
			Low:       low,
			Close:     c,
			Volume:    1000,
		})
		prev = c
	}
	return out
}

// WithoutBars drops the bars at the given zero-based positions, for gap
// scenarios.
func WithoutBars(candles []domain.Candle, positions ...int) []domain.Candle {
	drop := make(map[int]bool, len(positions))
	for _, p := range positions {
		drop[p] = true
	}
	out := make([]domain.Candle, 0, len(candles))
	for i, c := range candles {
		if !drop[i] {
			out = append(out, c)
		}
	}
	return out
}

// FundingFixture returns one funding observation with the next settlement
// eight hours out.
func FundingFixture(symbol string, ts int64, rate float64) domain.FundingRate {
	return domain.FundingRate{
		Symbol:        symbol,
		Ts:            ts,
		Rate:          rate,
		NextFundingTs: ts + 8*3600*1000,
	}
}

// PricesFixture returns one mark/index/last snapshot with a small positive
// basis.
func PricesFixture(symbol string, ts int64, last float64) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		Symbol: symbol,
		Ts:     ts,
		Last:   last,
		Mark:   last * 1.0002,
		Index:  last * 0.9999,
	}
}
