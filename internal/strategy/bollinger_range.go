package strategy

import (
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// BollingerRangeParams tune the range-fade rules.
type BollingerRangeParams struct {
	BBPeriod     int     `yaml:"bb_period"`
	BBStdDev     float64 `yaml:"bb_std_dev"`
	ZPeriod      int     `yaml:"z_period"`
	RSIPeriod    int     `yaml:"rsi_period"`
	ADXPeriod    int     `yaml:"adx_period"`
	ADXMax       float64 `yaml:"adx_max"`
	WidthMax     float64 `yaml:"width_max"`
	ZEntry       float64 `yaml:"z_entry"`
	RSILongMax   float64 `yaml:"rsi_long_max"`
	RSIShortMin  float64 `yaml:"rsi_short_min"`
	StopPct      float64 `yaml:"stop_pct"`
	TimeStopBars int     `yaml:"time_stop_bars"`
	MaxWeight    float64 `yaml:"max_weight"`
	Leverage     float64 `yaml:"leverage"`
	Confidence   float64 `yaml:"confidence"`
}

// BollingerRange fades band extremes inside quiet ranges: low ADX, tight
// bands, a two-sigma stretch, and an RSI extreme on the same side.
type BollingerRange struct {
	tf     domain.Timeframe
	params BollingerRangeParams
}

func NewBollingerRange(tf domain.Timeframe) *BollingerRange {
	return &BollingerRange{
		tf: tf,
		params: BollingerRangeParams{
			BBPeriod:     20,
			BBStdDev:     2,
			ZPeriod:      20,
			RSIPeriod:    14,
			ADXPeriod:    14,
			ADXMax:       18,
			WidthMax:     0.04,
			ZEntry:       2,
			RSILongMax:   35,
			RSIShortMin:  65,
			StopPct:      0.02,
			TimeStopBars: 12,
			MaxWeight:    0.25,
			Leverage:     2,
			Confidence:   0.75,
		},
	}
}

func (s *BollingerRange) ID() string                  { return "bollinger_range" }
func (s *BollingerRange) Timeframe() domain.Timeframe { return s.tf }
func (s *BollingerRange) RequiredRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeRange}
}
func (s *BollingerRange) Params() any { return &s.params }

func (s *BollingerRange) Signal(snap *domain.MarketSnapshot) Signal {
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

	_, _, _, width := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	z := indicators.ZScore(closes, p.ZPeriod)
	rsi := indicators.RSI(closes, p.RSIPeriod)
	adx := indicators.ADX(snap.Highs(), snap.Lows(), closes, p.ADXPeriod)

	for _, series := range [][]float64{width, z, rsi, adx} {
		if !indicators.Valid(series[i]) || !indicators.Valid(series[i-1]) {
			return flat(s.ID(), ts, "indicators warming up")
		}
	}

	// Midline reversion exits first: a long entered at the lower band is
	// done when the z-score crosses back up through zero, and vice versa.
	if crossedUpLevel(z, 0, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "z-score reverted to midline")
	}
	if crossedDownLevel(z, 0, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "z-score reverted to midline")
	}

	quiet := adx[i] < p.ADXMax && width[i] < p.WidthMax
	last := closes[i]

	if quiet && z[i] <= -p.ZEntry && rsi[i] < p.RSILongMax {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.Confidence,
			TargetWeight: p.MaxWeight,
			StopLoss:     last * (1 - p.StopPct),
			TakeProfit:   0, // exit is the midline cross, not a fixed target
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       "oversold at lower band in quiet range",
		}
	}
	if quiet && z[i] >= p.ZEntry && rsi[i] > p.RSIShortMin {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentShort,
			Confidence:   p.Confidence,
			TargetWeight: -p.MaxWeight,
			StopLoss:     last * (1 + p.StopPct),
			TakeProfit:   0,
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       "overbought at upper band in quiet range",
		}
	}

	return flat(s.ID(), ts, "no range setup")
}
