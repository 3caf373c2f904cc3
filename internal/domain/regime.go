package domain

// Regime is the classified market state used to gate strategies. Exactly
// one label is produced per decision cycle.
type Regime string

const (
	RegimeTrend     Regime = "TREND"
	RegimeRange     Regime = "RANGE"
	RegimeBreakout  Regime = "BREAKOUT"
	RegimeHighVol   Regime = "HIGH_VOL"
	RegimeUndefined Regime = "UNDEFINED"
)

// RegimeContext carries the indicator tuple the classifier derived the
// label from; it is persisted alongside every decision.
type RegimeContext struct {
	Regime  Regime  `json:"regime"`
	ADX     float64 `json:"adx"`
	BBWidth float64 `json:"bb_width"`
	ATRPct  float64 `json:"atr_pct"`
}
