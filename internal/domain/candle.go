package domain

import "fmt"

// Candle is one closed OHLCV bar. Timestamps are UTC epoch milliseconds
// aligned to the bar boundary. Candles are written once by ingest and are
// read-only afterwards; repair may replace a row only with authoritative
// values under the same (symbol, timeframe, ts) key.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Ts        int64     `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the bar invariants: low ≤ open,close ≤ high, volume ≥ 0,
// and ts on the timeframe grid.
func (c Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close || c.Open > c.High || c.Close > c.High {
		return fmt.Errorf("candle %s/%s@%d violates low<=open,close<=high", c.Symbol, c.Timeframe, c.Ts)
	}
	if c.Low > c.High {
		return fmt.Errorf("candle %s/%s@%d has low>high", c.Symbol, c.Timeframe, c.Ts)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s/%s@%d has negative volume", c.Symbol, c.Timeframe, c.Ts)
	}
	if !c.Timeframe.Aligned(c.Ts) {
		return fmt.Errorf("candle %s/%s@%d not aligned to bar boundary", c.Symbol, c.Timeframe, c.Ts)
	}
	return nil
}

// FundingRate is one funding observation for a perpetual contract.
type FundingRate struct {
	Symbol        string  `json:"symbol"`
	Ts            int64   `json:"ts"`
	Rate          float64 `json:"rate"`
	NextFundingTs int64   `json:"next_funding_ts"`
}

// PriceSnapshot carries the venue's last/mark/index prices at one instant.
type PriceSnapshot struct {
	Symbol string  `json:"symbol"`
	Ts     int64   `json:"ts"`
	Last   float64 `json:"last"`
	Mark   float64 `json:"mark"`
	Index  float64 `json:"index"`
}

// Basis returns perp_mid/spot_mid − 1 using mark as the perp mid and index
// as the spot reference. Zero when either leg is missing.
func (p PriceSnapshot) Basis() float64 {
	if p.Index == 0 || p.Mark == 0 {
		return 0
	}
	return p.Mark/p.Index - 1
}
