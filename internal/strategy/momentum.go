package strategy

import (
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// MomentumParams tune the rate-of-change rules.
type MomentumParams struct {
	ROCPeriod     int     `yaml:"roc_period"`
	MinROC        float64 `yaml:"min_roc"`
	VolumePeriod  int     `yaml:"volume_period"`
	VolumeMult    float64 `yaml:"volume_mult"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIRise       float64 `yaml:"rsi_rise"`
	RSILookback   int     `yaml:"rsi_lookback"`
	ATRPeriod     int     `yaml:"atr_period"`
	StopATR       float64 `yaml:"stop_atr"`
	TakeProfitATR float64 `yaml:"take_profit_atr"`
	TimeStopBars  int     `yaml:"time_stop_bars"`
	MaxWeight     float64 `yaml:"max_weight"`
	Leverage      float64 `yaml:"leverage"`
	Confidence    float64 `yaml:"confidence"`
}

// Momentum rides fast directional moves: a large rate of change on
// expanded volume with the RSI still accelerating the same way.
type Momentum struct {
	tf     domain.Timeframe
	params MomentumParams
}

func NewMomentum(tf domain.Timeframe) *Momentum {
	return &Momentum{
		tf: tf,
		params: MomentumParams{
			ROCPeriod:     14,
			MinROC:        0.05,
			VolumePeriod:  20,
			VolumeMult:    1.3,
			RSIPeriod:     14,
			RSIRise:       5,
			RSILookback:   3,
			ATRPeriod:     14,
			StopATR:       2.5,
			TakeProfitATR: 5,
			TimeStopBars:  10,
			MaxWeight:     0.20,
			Leverage:      2,
			Confidence:    0.7,
		},
	}
}

func (s *Momentum) ID() string                  { return "momentum" }
func (s *Momentum) Timeframe() domain.Timeframe { return s.tf }
func (s *Momentum) RequiredRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeTrend, domain.RegimeBreakout}
}
func (s *Momentum) Params() any { return &s.params }

func (s *Momentum) Signal(snap *domain.MarketSnapshot) Signal {
	p := s.params
	ts := snap.LastTs()
	if snap.Stale {
		return flat(s.ID(), ts, "stale market data")
	}

	closes := snap.Closes()
	n := len(closes)
	if n < p.ROCPeriod+p.RSIPeriod+p.RSILookback+1 {
		return flat(s.ID(), ts, "warming up: %d bars", n)
	}
	i := n - 1

	rsi := indicators.RSI(closes, p.RSIPeriod)
	atr := indicators.ATR(snap.Highs(), snap.Lows(), closes, p.ATRPeriod)
	volSMA := indicators.VolumeSMA(snap.Volumes(), p.VolumePeriod)

	base := closes[i-p.ROCPeriod]
	if base == 0 ||
		!indicators.Valid(rsi[i]) || !indicators.Valid(rsi[i-p.RSILookback]) ||
		!indicators.Valid(atr[i]) || !indicators.Valid(volSMA[i]) {
		return flat(s.ID(), ts, "indicators warming up")
	}

	last := closes[i]
	roc := last/base - 1
	rsiDelta := rsi[i] - rsi[i-p.RSILookback]

	// A momentum break the other way exits the ride.
	prevBase := closes[i-1-p.ROCPeriod]
	if prevBase != 0 {
		prevROC := closes[i-1]/prevBase - 1
		if prevROC >= p.MinROC && roc < 0 {
			return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "momentum flipped negative")
		}
		if prevROC <= -p.MinROC && roc > 0 {
			return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "momentum flipped positive")
		}
	}

	volSurge := snap.Volumes()[i] > volSMA[i]*p.VolumeMult

	if roc >= p.MinROC && volSurge && rsiDelta >= p.RSIRise {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.Confidence,
			TargetWeight: p.MaxWeight,
			StopLoss:     last - p.StopATR*atr[i],
			TakeProfit:   last + p.TakeProfitATR*atr[i],
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       "positive momentum with rising RSI",
		}
	}
	if roc <= -p.MinROC && volSurge && rsiDelta <= -p.RSIRise {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentShort,
			Confidence:   p.Confidence,
			TargetWeight: -p.MaxWeight,
			StopLoss:     last + p.StopATR*atr[i],
			TakeProfit:   last - p.TakeProfitATR*atr[i],
			LeverageHint: p.Leverage,
			TimeStopBars: p.TimeStopBars,
			Reason:       "negative momentum with falling RSI",
		}
	}

	return flat(s.ID(), ts, "no momentum setup")
}
