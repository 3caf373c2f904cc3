// Package indicators provides stateless indicator functions over candle
// series. Every function returns a slice the same length as its input,
// left-padded with NaN until enough warmup bars exist; callers treat NaN as
// "insufficient data" and stand down rather than trade on it. Periods are
// bar counts, never calendar units.
package indicators

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Valid reports whether v is a usable indicator value (not the NaN sentinel).
func Valid(v float64) bool {
	return !math.IsNaN(v)
}

// Last returns the final value of a series and whether it is usable.
func Last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return math.NaN(), false
	}
	v := series[len(series)-1]
	return v, Valid(v)
}

// allNaN builds a fully-padded series for inputs too short to warm up.
func allNaN(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// padNaN overwrites the leading lookback region with the NaN sentinel.
// talib leaves zeros there, which downstream code could mistake for data.
func padNaN(series []float64, lookback int) []float64 {
	if lookback > len(series) {
		lookback = len(series)
	}
	for i := 0; i < lookback; i++ {
		series[i] = math.NaN()
	}
	return series
}

// EMA is the exponential moving average, seeded with an SMA of the first
// period values.
func EMA(values []float64, period int) []float64 {
	if period < 1 || len(values) < period {
		return allNaN(len(values))
	}
	return padNaN(talib.Ema(values, period), period-1)
}

// SMA is the simple moving average.
func SMA(values []float64, period int) []float64 {
	if period < 1 || len(values) < period {
		return allNaN(len(values))
	}
	return padNaN(talib.Sma(values, period), period-1)
}

// VolumeSMA is the simple moving average of volume. Identical math to SMA;
// named separately because strategy rules read "volume vs its average".
func VolumeSMA(volumes []float64, period int) []float64 {
	return SMA(volumes, period)
}

// RSI is Wilder's relative strength index.
func RSI(values []float64, period int) []float64 {
	if period < 1 || len(values) < period+1 {
		return allNaN(len(values))
	}
	return padNaN(talib.Rsi(values, period), period)
}

// MACD returns the MACD line, signal line, and histogram. The line warms up
// after slow-1 bars; signal and histogram after slow+signal-2.
func MACD(values []float64, fast, slow, signal int) (macd, signalLine, hist []float64) {
	if slow < 1 || fast < 1 || signal < 1 || len(values) < slow+signal-1 {
		n := len(values)
		return allNaN(n), allNaN(n), allNaN(n)
	}
	macd, signalLine, hist = talib.Macd(values, fast, slow, signal)
	padNaN(macd, slow-1)
	padNaN(signalLine, slow+signal-2)
	padNaN(hist, slow+signal-2)
	return macd, signalLine, hist
}

// Bollinger returns the upper/middle/lower bands plus the normalized width
// (upper-lower)/middle. Width is NaN wherever the bands are, or where the
// middle band is zero.
func Bollinger(values []float64, period int, nStd float64) (upper, middle, lower, width []float64) {
	n := len(values)
	if period < 1 || n < period {
		return allNaN(n), allNaN(n), allNaN(n), allNaN(n)
	}
	upper, middle, lower = talib.BBands(values, period, nStd, nStd, 0)
	padNaN(upper, period-1)
	padNaN(middle, period-1)
	padNaN(lower, period-1)

	width = make([]float64, n)
	for i := 0; i < n; i++ {
		if !Valid(middle[i]) || middle[i] == 0 {
			width[i] = math.NaN()
			continue
		}
		width[i] = (upper[i] - lower[i]) / middle[i]
	}
	return upper, middle, lower, width
}

// ATR is Wilder's average true range.
func ATR(high, low, close []float64, period int) []float64 {
	if period < 1 || len(close) < period+1 || len(high) != len(close) || len(low) != len(close) {
		return allNaN(len(close))
	}
	return padNaN(talib.Atr(high, low, close, period), period)
}

// ADX is Wilder's average directional index; warmup is 2*period-1 bars.
func ADX(high, low, close []float64, period int) []float64 {
	if period < 1 || len(close) < 2*period || len(high) != len(close) || len(low) != len(close) {
		return allNaN(len(close))
	}
	return padNaN(talib.Adx(high, low, close, period), 2*period-1)
}

// ZScore is the rolling z-score of the last value against its window,
// using the sample standard deviation. Zero-variance windows yield NaN.
func ZScore(values []float64, period int) []float64 {
	n := len(values)
	out := allNaN(n)
	if period < 2 || n < period {
		return out
	}
	for i := period - 1; i < n; i++ {
		window := values[i-period+1 : i+1]
		mean, std := stat.MeanStdDev(window, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		out[i] = (values[i] - mean) / std
	}
	return out
}

// ATRPercentile ranks the current ATR within its trailing lookback window,
// as a percentage in [0,100]. High values mean current volatility is
// historically elevated.
func ATRPercentile(high, low, close []float64, period, lookback int) []float64 {
	n := len(close)
	out := allNaN(n)
	atr := ATR(high, low, close, period)
	if lookback < 1 {
		return out
	}
	for i := 0; i < n; i++ {
		if !Valid(atr[i]) {
			continue
		}
		start := i - lookback + 1
		if start < 0 {
			start = 0
		}
		var total, below int
		for j := start; j <= i; j++ {
			if !Valid(atr[j]) {
				continue
			}
			total++
			if atr[j] <= atr[i] {
				below++
			}
		}
		if total < 2 {
			continue
		}
		out[i] = 100 * float64(below) / float64(total)
	}
	return out
}

// PriceEfficiency measures how directional the last period bars were:
// |net move| / path length, in [0,1]. A straight trend scores near 1,
// chop scores near 0.
func PriceEfficiency(values []float64, period int) []float64 {
	n := len(values)
	out := allNaN(n)
	if period < 1 || n < period+1 {
		return out
	}
	for i := period; i < n; i++ {
		var path float64
		for j := i - period + 1; j <= i; j++ {
			path += math.Abs(values[j] - values[j-1])
		}
		if path == 0 {
			out[i] = 0
			continue
		}
		out[i] = math.Abs(values[i]-values[i-period]) / path
	}
	return out
}

// VolumeTrend compares the recent half-window volume mean against the
// prior half-window: positive values mean volume is expanding.
func VolumeTrend(volumes []float64, period int) []float64 {
	n := len(volumes)
	out := allNaN(n)
	half := period / 2
	if half < 1 || n < period {
		return out
	}
	for i := period - 1; i < n; i++ {
		recent := stat.Mean(volumes[i-half+1:i+1], nil)
		prior := stat.Mean(volumes[i-period+1:i-half+1], nil)
		if prior == 0 {
			out[i] = 0
			continue
		}
		out[i] = recent/prior - 1
	}
	return out
}

// Highest returns the rolling maximum of the previous period bars,
// EXCLUDING the current bar. Breakout resistance levels must not include
// the bar being evaluated, or every new high trivially "breaks out".
func Highest(values []float64, period int) []float64 {
	n := len(values)
	out := allNaN(n)
	if period < 1 {
		return out
	}
	for i := period; i < n; i++ {
		max := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] > max {
				max = values[j]
			}
		}
		out[i] = max
	}
	return out
}

// Lowest mirrors Highest for support levels.
func Lowest(values []float64, period int) []float64 {
	n := len(values)
	out := allNaN(n)
	if period < 1 {
		return out
	}
	for i := period; i < n; i++ {
		min := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] < min {
				min = values[j]
			}
		}
		out[i] = min
	}
	return out
}

// Quantile returns the q-quantile (0..1) of the valid values in the
// trailing window ending at each index. Used for "BB width in its low
// quantile" breakout checks.
func Quantile(values []float64, lookback int, q float64) []float64 {
	n := len(values)
	out := allNaN(n)
	if lookback < 2 || q < 0 || q > 1 {
		return out
	}
	buf := make([]float64, 0, lookback)
	for i := lookback - 1; i < n; i++ {
		buf = buf[:0]
		for j := i - lookback + 1; j <= i; j++ {
			if Valid(values[j]) {
				buf = append(buf, values[j])
			}
		}
		if len(buf) < 2 {
			continue
		}
		// stat.Quantile requires sorted input
		sort.Float64s(buf)
		out[i] = stat.Quantile(q, stat.Empirical, buf, nil)
	}
	return out
}
