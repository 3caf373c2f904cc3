// Package domain holds the value types shared across the trading core:
// candles, timeframes, order and position enums, and regime labels.
package domain

import (
	"fmt"
	"strings"
)

// Timeframe identifies a candle interval. Only the intervals the ingest
// worker supports are valid; sub-minute bars are intentionally absent.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// timeframeMillis maps each supported timeframe to its bar length in
// epoch milliseconds.
var timeframeMillis = map[Timeframe]int64{
	TF15m: 15 * 60 * 1000,
	TF1h:  60 * 60 * 1000,
	TF4h:  4 * 60 * 60 * 1000,
	TF1d:  24 * 60 * 60 * 1000,
}

// Millis returns the bar length in milliseconds, or 0 for an unknown timeframe.
func (tf Timeframe) Millis() int64 {
	return timeframeMillis[tf]
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMillis[tf]
	return ok
}

// BarsPerYear returns the number of bars in a 365-day year, used for
// annualizing backtest metrics.
func (tf Timeframe) BarsPerYear() float64 {
	ms := tf.Millis()
	if ms == 0 {
		return 0
	}
	const yearMillis = 365.0 * 24 * 60 * 60 * 1000
	return yearMillis / float64(ms)
}

// Align truncates ts down to the timeframe's bar boundary.
func (tf Timeframe) Align(ts int64) int64 {
	ms := tf.Millis()
	if ms == 0 {
		return ts
	}
	return ts - (ts % ms)
}

// Aligned reports whether ts sits exactly on the bar grid.
func (tf Timeframe) Aligned(ts int64) bool {
	ms := tf.Millis()
	return ms != 0 && ts%ms == 0
}

// ParseTimeframes parses a comma-separated list like "15m,1h,4h,1d".
func ParseTimeframes(s string) ([]Timeframe, error) {
	parts := strings.Split(s, ",")
	out := make([]Timeframe, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tf := Timeframe(p)
		if !tf.Valid() {
			return nil, fmt.Errorf("unsupported timeframe %q", p)
		}
		out = append(out, tf)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no timeframes in %q", s)
	}
	return out, nil
}
