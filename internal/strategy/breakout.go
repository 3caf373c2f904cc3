package strategy

import (
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// BreakoutParams tune the squeeze-then-break rules.
type BreakoutParams struct {
	BBPeriod         int     `yaml:"bb_period"`
	BBStdDev         float64 `yaml:"bb_std_dev"`
	LevelPeriod      int     `yaml:"level_period"`
	BreakMult        float64 `yaml:"break_mult"`
	SqueezeQuantile  float64 `yaml:"squeeze_quantile"`
	QuantileLookback int     `yaml:"quantile_lookback"`
	VolumePeriod     int     `yaml:"volume_period"`
	VolumeMult       float64 `yaml:"volume_mult"`
	// MinBodyRatio requires a conviction candle: body over full range.
	MinBodyRatio  float64 `yaml:"min_body_ratio"`
	ATRPeriod     int     `yaml:"atr_period"`
	StopATR       float64 `yaml:"stop_atr"`
	TakeProfitATR float64 `yaml:"take_profit_atr"`
	FailBars      int     `yaml:"fail_bars"`
	MaxWeight     float64 `yaml:"max_weight"`
	Leverage      float64 `yaml:"leverage"`
	Confidence    float64 `yaml:"confidence"`
}

// Breakout buys strength out of a volatility squeeze: Bollinger width in
// its low quantile, a close through the prior range extreme on expanded
// volume, and a conviction candle. Two closes back inside the range call
// the break failed.
type Breakout struct {
	tf     domain.Timeframe
	params BreakoutParams
}

func NewBreakout(tf domain.Timeframe) *Breakout {
	return &Breakout{
		tf: tf,
		params: BreakoutParams{
			BBPeriod:         20,
			BBStdDev:         2,
			LevelPeriod:      20,
			BreakMult:        1.005,
			SqueezeQuantile:  0.25,
			QuantileLookback: 90,
			VolumePeriod:     20,
			VolumeMult:       1.5,
			MinBodyRatio:     0.6,
			ATRPeriod:        14,
			StopATR:          1.5,
			TakeProfitATR:    3,
			FailBars:         2,
			MaxWeight:        0.20,
			Leverage:         2,
			Confidence:       0.7,
		},
	}
}

func (s *Breakout) ID() string                  { return "breakout" }
func (s *Breakout) Timeframe() domain.Timeframe { return s.tf }
func (s *Breakout) RequiredRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeBreakout, domain.RegimeTrend}
}
func (s *Breakout) Params() any { return &s.params }

func (s *Breakout) Signal(snap *domain.MarketSnapshot) Signal {
	p := s.params
	ts := snap.LastTs()
	if snap.Stale {
		return flat(s.ID(), ts, "stale market data")
	}

	closes := snap.Closes()
	highs := snap.Highs()
	lows := snap.Lows()
	n := len(closes)
	if n < p.QuantileLookback+p.BBPeriod {
		return flat(s.ID(), ts, "warming up: %d bars", n)
	}
	i := n - 1

	_, _, _, width := indicators.Bollinger(closes, p.BBPeriod, p.BBStdDev)
	squeeze := indicators.Quantile(width, p.QuantileLookback, p.SqueezeQuantile)
	resistance := indicators.Highest(highs, p.LevelPeriod)
	support := indicators.Lowest(lows, p.LevelPeriod)
	volSMA := indicators.VolumeSMA(snap.Volumes(), p.VolumePeriod)
	atr := indicators.ATR(highs, lows, closes, p.ATRPeriod)

	for _, series := range [][]float64{width, squeeze, resistance, support, volSMA, atr} {
		if !indicators.Valid(series[i]) || !indicators.Valid(series[i-1]) {
			return flat(s.ID(), ts, "indicators warming up")
		}
	}

	// Failed-break exits: the last FailBars closes back inside the level
	// that was broken.
	if i >= p.FailBars {
		failedUp, failedDown := true, true
		for k := 0; k < p.FailBars; k++ {
			j := i - k
			if !indicators.Valid(resistance[j]) || closes[j] >= resistance[j] {
				failedUp = false
			}
			if !indicators.Valid(support[j]) || closes[j] <= support[j] {
				failedDown = false
			}
		}
		if failedUp && closes[i-p.FailBars] > resistance[i-p.FailBars] {
			return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "breakout failed: %d closes back under level", p.FailBars)
		}
		if failedDown && closes[i-p.FailBars] < support[i-p.FailBars] {
			return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "breakdown failed: %d closes back over level", p.FailBars)
		}
	}

	last := closes[i]
	candle := snap.Candles[i]
	bodyRatio := 0.0
	if r := candle.High - candle.Low; r > 0 {
		body := candle.Close - candle.Open
		if body < 0 {
			body = -body
		}
		bodyRatio = body / r
	}

	// The squeeze is judged on the bar before the break: the breakout bar
	// itself widens the bands.
	inSqueeze := width[i-1] <= squeeze[i-1]
	volSurge := snap.Volumes()[i] > volSMA[i]*p.VolumeMult
	conviction := bodyRatio >= p.MinBodyRatio

	if inSqueeze && volSurge && conviction && last > resistance[i]*p.BreakMult && candle.Close > candle.Open {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.Confidence,
			TargetWeight: p.MaxWeight,
			StopLoss:     last - p.StopATR*atr[i],
			TakeProfit:   last + p.TakeProfitATR*atr[i],
			LeverageHint: p.Leverage,
			Reason:       "squeeze break over resistance on volume",
		}
	}
	if inSqueeze && volSurge && conviction && last < support[i]*(2-p.BreakMult) && candle.Close < candle.Open {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentShort,
			Confidence:   p.Confidence,
			TargetWeight: -p.MaxWeight,
			StopLoss:     last + p.StopATR*atr[i],
			TakeProfit:   last - p.TakeProfitATR*atr[i],
			LeverageHint: p.Leverage,
			Reason:       "squeeze break under support on volume",
		}
	}

	return flat(s.ID(), ts, "no breakout setup")
}
