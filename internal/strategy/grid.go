package strategy

import (
	"fmt"
	"math"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// GridParams tune the band-anchored grid.
type GridParams struct {
	BBPeriod  int     `yaml:"bb_period"`
	BBStdDev  float64 `yaml:"bb_std_dev"`
	Levels    int     `yaml:"levels"`
	ADXPeriod int     `yaml:"adx_period"`
	ADXMax    float64 `yaml:"adx_max"`
	ATRPeriod int     `yaml:"atr_period"`
	// StopATRBeyondBand places the stop this many ATRs outside the band
	// edge; a range that breaks its band is no longer a range.
	StopATRBeyondBand float64 `yaml:"stop_atr_beyond_band"`
	MaxWeight         float64 `yaml:"max_weight"`
	Leverage          float64 `yaml:"leverage"`
	Confidence        float64 `yaml:"confidence"`
}

// Grid scales into range positions level by level: the Bollinger midline
// anchors a ladder of Levels steps per side, and the target weight grows
// with how many steps price has fallen (long) or risen (short). The net
// weight stands in for per-level fills; the deeper the excursion, the
// larger the position the grid wants.
type Grid struct {
	tf     domain.Timeframe
	params GridParams
}

func NewGrid(tf domain.Timeframe) *Grid {
	return &Grid{
		tf: tf,
		params: GridParams{
			BBPeriod:          20,
			BBStdDev:          2,
			Levels:            4,
			ADXPeriod:         14,
			ADXMax:            20,
			ATRPeriod:         14,
			StopATRBeyondBand: 0.5,
			MaxWeight:         0.20,
			Leverage:          1,
			Confidence:        0.6,
		},
	}
}

func (s *Grid) ID() string                       { return "grid" }
func (s *Grid) Timeframe() domain.Timeframe      { return s.tf }
func (s *Grid) RequiredRegimes() []domain.Regime { return []domain.Regime{domain.RegimeRange} }
func (s *Grid) Params() any                      { return &s.params }

func (s *Grid) Signal(snap *domain.MarketSnapshot) Signal {
	p := s.params
	ts := snap.LastTs()
	if snap.Stale {
		return flat(s.ID(), ts, "stale market data")
	}

	closes := snap.Closes()
	n := len(closes)
	if n < 2*p.ADXPeriod+2 {
		return flat(s.ID(), ts, "warming up: %d bars", n)
	}
	i := n - 1

	upper, middle, lower, _ := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	adx := indicators.ADX(snap.Highs(), snap.Lows(), closes, p.ADXPeriod)
	atr := indicators.ATR(snap.Highs(), snap.Lows(), closes, p.ATRPeriod)

	for _, series := range [][]float64{upper, middle, lower, adx, atr} {
		if !indicators.Valid(series[i]) || !indicators.Valid(series[i-1]) {
			return flat(s.ID(), ts, "indicators warming up")
		}
	}

	// Crossing the midline unwinds the ladder on that side.
	if crossedAbove(closes, middle, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "price back at grid anchor")
	}
	if crossedBelow(closes, middle, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "price back at grid anchor")
	}

	if adx[i] >= p.ADXMax {
		return flat(s.ID(), ts, "ADX %.1f too directional for a grid", adx[i])
	}

	last := closes[i]
	halfBand := (upper[i] - lower[i]) / 2
	if halfBand <= 0 || p.Levels < 1 {
		return flat(s.ID(), ts, "degenerate band")
	}
	step := halfBand / float64(p.Levels)

	// How many grid steps below (positive) or above (negative) the anchor
	// the close sits.
	depth := (middle[i] - last) / step
	filled := int(math.Abs(depth))
	if filled == 0 {
		return flat(s.ID(), ts, "inside first grid step")
	}
	if filled > p.Levels {
		filled = p.Levels
	}
	weight := p.MaxWeight * float64(filled) / float64(p.Levels)

	if depth > 0 {
		// A deep excursion can close beyond the band; the stop hangs off
		// the band edge or the fill, whichever is farther out.
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.Confidence,
			TargetWeight: weight,
			StopLoss:     math.Min(lower[i], last) - p.StopATRBeyondBand*atr[i],
			LeverageHint: p.Leverage,
			Reason:       fmt.Sprintf("grid long %d/%d levels below anchor", filled, p.Levels),
		}
	}
	return Signal{
		StrategyID:   s.ID(),
		Ts:           ts,
		Intent:       domain.IntentShort,
		Confidence:   p.Confidence,
		TargetWeight: -weight,
		StopLoss:     math.Max(upper[i], last) + p.StopATRBeyondBand*atr[i],
		LeverageHint: p.Leverage,
		Reason:       fmt.Sprintf("grid short %d/%d levels above anchor", filled, p.Levels),
	}
}
