package domain

// MarketSnapshot is the read-only view handed to strategies, the regime
// classifier, and the decision pipeline. It is a point-in-time copy;
// holders never see later writes.
type MarketSnapshot struct {
	Symbol    string         `json:"symbol"`
	Timeframe Timeframe      `json:"timeframe"`
	Candles   []Candle       `json:"candles"`
	Funding   *FundingRate   `json:"funding,omitempty"`
	Prices    *PriceSnapshot `json:"prices,omitempty"`
	// FundingHistory holds recent funding observations, oldest first.
	// Carry strategies check how long a rate has been sustained.
	FundingHistory []FundingRate `json:"funding_history,omitempty"`
	Stale          bool          `json:"stale"`
	AsOf           int64         `json:"as_of"`
}

// Closes extracts the close series, oldest first.
func (s *MarketSnapshot) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high series, oldest first.
func (s *MarketSnapshot) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low series, oldest first.
func (s *MarketSnapshot) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

// Volumes extracts the volume series, oldest first.
func (s *MarketSnapshot) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}

// LastClose returns the newest close, or 0 on an empty snapshot.
func (s *MarketSnapshot) LastClose() float64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[len(s.Candles)-1].Close
}

// LastTs returns the newest bar timestamp, or 0 on an empty snapshot.
func (s *MarketSnapshot) LastTs() int64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[len(s.Candles)-1].Ts
}
