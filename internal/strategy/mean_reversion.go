package strategy

import (
	"fmt"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// MeanReversionParams tune the z-score fade rules.
type MeanReversionParams struct {
	ZPeriod      int     `yaml:"z_period"`
	ZEntry       float64 `yaml:"z_entry"`
	ZExit        float64 `yaml:"z_exit"`
	ADXPeriod    int     `yaml:"adx_period"`
	ADXBlock     float64 `yaml:"adx_block"`
	ATRPeriod    int     `yaml:"atr_period"`
	StopATR      float64 `yaml:"stop_atr"`
	TimeStopBars int     `yaml:"time_stop_bars"`
	MaxWeight    float64 `yaml:"max_weight"`
	Leverage     float64 `yaml:"leverage"`
	Confidence   float64 `yaml:"confidence"`
}

// MeanReversion fades two-sigma stretches back toward the mean, standing
// down entirely while ADX says the move is a trend, not a stretch.
type MeanReversion struct {
	tf     domain.Timeframe
	params MeanReversionParams
}

func NewMeanReversion(tf domain.Timeframe) *MeanReversion {
	return &MeanReversion{
		tf: tf,
		params: MeanReversionParams{
			ZPeriod:      20,
			ZEntry:       2,
			ZExit:        0.5,
			ADXPeriod:    14,
			ADXBlock:     25,
			ATRPeriod:    14,
			StopATR:      2,
			TimeStopBars: 15,
			MaxWeight:    0.20,
			Leverage:     1,
			Confidence:   0.65,
		},
	}
}

func (s *MeanReversion) ID() string                  { return "mean_reversion" }
func (s *MeanReversion) Timeframe() domain.Timeframe { return s.tf }
func (s *MeanReversion) RequiredRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeRange}
}
func (s *MeanReversion) Params() any { return &s.params }

func (s *MeanReversion) Signal(snap *domain.MarketSnapshot) Signal {
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

	z := indicators.ZScore(closes, p.ZPeriod)
	adx := indicators.ADX(snap.Highs(), snap.Lows(), closes, p.ADXPeriod)
	atr := indicators.ATR(snap.Highs(), snap.Lows(), closes, p.ATRPeriod)

	for _, series := range [][]float64{z, adx, atr} {
		if !indicators.Valid(series[i]) || !indicators.Valid(series[i-1]) {
			return flat(s.ID(), ts, "indicators warming up")
		}
	}

	// Reversion complete: z crossed back inside the exit band.
	if crossedUpLevel(z, -p.ZExit, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "z-score reverted to %.1f", -p.ZExit)
	}
	if crossedDownLevel(z, p.ZExit, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "z-score reverted to %.1f", p.ZExit)
	}

	if adx[i] >= p.ADXBlock {
		return flat(s.ID(), ts, "ADX %.1f says trend, no fade", adx[i])
	}

	last := closes[i]
	if z[i] <= -p.ZEntry {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.Confidence,
			TargetWeight: p.MaxWeight,
			StopLoss:     last - p.StopATR*atr[i],
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       fmt.Sprintf("fading %.1f-sigma stretch down", p.ZEntry),
		}
	}
	if z[i] >= p.ZEntry {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentShort,
			Confidence:   p.Confidence,
			TargetWeight: -p.MaxWeight,
			StopLoss:     last + p.StopATR*atr[i],
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       fmt.Sprintf("fading %.1f-sigma stretch up", p.ZEntry),
		}
	}

	return flat(s.ID(), ts, "no reversion setup")
}
