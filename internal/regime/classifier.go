// Package regime labels the market state the strategy gates key off.
// Exactly one label comes out of every classification; when the series is
// too short to say anything, that label is UNDEFINED, never a guess.
package regime

import (
	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// Config holds the classifier thresholds. The ADX and width bounds are
// env-tunable; the rest are timeframe conventions shared with the
// strategies.
type Config struct {
	ADXTrend    float64 // TREND needs ADX above this
	ADXRangeMax float64 // RANGE needs ADX below this
	BBWidthMax  float64 // RANGE needs a band width below this
	ATRKillPct  float64 // HIGH_VOL above this ATR percentile

	SqueezeQuantile  float64
	QuantileLookback int
	LevelPeriod      int
	WidthRiseBars    int
	SlopePeriod      int
	SlopeStrong      float64 // per-bar EMA slope that counts as directional
	VolumeSurge      float64

	ADXPeriod    int
	BBPeriod     int
	BBStdDev     float64
	ATRPeriod    int
	ATRLookback  int
	EMAPeriod    int
	VolumePeriod int
}

func DefaultConfig() Config {
	return Config{
		ADXTrend:         20,
		ADXRangeMax:      18,
		BBWidthMax:       0.04,
		ATRKillPct:       80,
		SqueezeQuantile:  0.25,
		QuantileLookback: 90,
		LevelPeriod:      20,
		WidthRiseBars:    3,
		SlopePeriod:      5,
		SlopeStrong:      0.003,
		VolumeSurge:      1.5,
		ADXPeriod:        14,
		BBPeriod:         20,
		BBStdDev:         2,
		ATRPeriod:        14,
		ATRLookback:      90,
		EMAPeriod:        55,
		VolumePeriod:     20,
	}
}

// Classifier derives the regime label from the decision-timeframe series.
type Classifier struct {
	cfg Config
	log zerolog.Logger
}

func NewClassifier(cfg Config, log zerolog.Logger) *Classifier {
	return &Classifier{
		cfg: cfg,
		log: log.With().Str("component", "regime_classifier").Logger(),
	}
}

// Classify labels the snapshot. Rules are evaluated in a fixed order and
// the first match wins: TREND, RANGE, BREAKOUT, HIGH_VOL, UNDEFINED.
func (c *Classifier) Classify(snap *domain.MarketSnapshot) domain.RegimeContext {
	cfg := c.cfg
	closes := snap.Closes()
	highs := snap.Highs()
	lows := snap.Lows()
	volumes := snap.Volumes()
	n := len(closes)
	i := n - 1
	if n < 2*cfg.ADXPeriod+2 {
		return undefined(0, 0, 0)
	}

	adx := indicators.ADX(highs, lows, closes, cfg.ADXPeriod)
	_, _, _, width := indicators.Bollinger(closes, cfg.BBPeriod, cfg.BBStdDev)
	atrPct := indicators.ATRPercentile(highs, lows, closes, cfg.ATRPeriod, cfg.ATRLookback)
	ema := indicators.EMA(closes, cfg.EMAPeriod)

	ctx := domain.RegimeContext{
		Regime:  domain.RegimeUndefined,
		ADX:     orZero(adx[i]),
		BBWidth: orZero(width[i]),
		ATRPct:  orZero(atrPct[i]),
	}
	if !indicators.Valid(adx[i]) || !indicators.Valid(width[i]) {
		return ctx
	}

	// Secondary inputs feed single rules; when one is not warmed up yet
	// its rule simply cannot fire.
	widthRising := i >= cfg.WidthRiseBars &&
		indicators.Valid(width[i-cfg.WidthRiseBars]) &&
		width[i] > width[i-cfg.WidthRiseBars]
	slope := emaSlope(ema, i, cfg.SlopePeriod)
	strongSlope := slope >= cfg.SlopeStrong || slope <= -cfg.SlopeStrong

	efficiency := indicators.PriceEfficiency(closes, cfg.LevelPeriod)
	volTrend := indicators.VolumeTrend(volumes, cfg.VolumePeriod)

	switch {
	case adx[i] > cfg.ADXTrend && (widthRising || strongSlope):
		ctx.Regime = domain.RegimeTrend
	case adx[i] < cfg.ADXRangeMax && width[i] < cfg.BBWidthMax:
		ctx.Regime = domain.RegimeRange
	case c.breakoutFired(closes, highs, lows, volumes, width, i):
		ctx.Regime = domain.RegimeBreakout
	case indicators.Valid(atrPct[i]) && atrPct[i] > cfg.ATRKillPct:
		ctx.Regime = domain.RegimeHighVol
	}

	c.log.Debug().
		Str("regime", string(ctx.Regime)).
		Float64("adx", ctx.ADX).
		Float64("bb_width", ctx.BBWidth).
		Float64("atr_pct", ctx.ATRPct).
		Float64("ema_slope", slope).
		Float64("efficiency", orZero(efficiency[i])).
		Float64("volume_trend", orZero(volTrend[i])).
		Msg("Classified market regime")
	return ctx
}

// breakoutFired checks the squeeze-pop rule: band width in its low
// quantile on the bar before this one, a close through the prior 20-bar
// extreme, and expanded volume.
func (c *Classifier) breakoutFired(closes, highs, lows, volumes, width []float64, i int) bool {
	cfg := c.cfg
	if i < 1 {
		return false
	}
	squeeze := indicators.Quantile(width, cfg.QuantileLookback, cfg.SqueezeQuantile)
	if !indicators.Valid(squeeze[i-1]) || !indicators.Valid(width[i-1]) || width[i-1] > squeeze[i-1] {
		return false
	}

	resistance := indicators.Highest(highs, cfg.LevelPeriod)
	support := indicators.Lowest(lows, cfg.LevelPeriod)
	if !indicators.Valid(resistance[i]) || !indicators.Valid(support[i]) {
		return false
	}
	levelBreak := closes[i] > resistance[i] || closes[i] < support[i]
	if !levelBreak {
		return false
	}

	volSMA := indicators.VolumeSMA(volumes, cfg.VolumePeriod)
	return indicators.Valid(volSMA[i]) && volumes[i] > volSMA[i]*cfg.VolumeSurge
}

// emaSlope is the per-bar fractional slope over the lookback, 0 while the
// EMA is still warming up.
func emaSlope(ema []float64, i, lookback int) float64 {
	if lookback < 1 || i < lookback {
		return 0
	}
	prev := ema[i-lookback]
	if !indicators.Valid(ema[i]) || !indicators.Valid(prev) || prev == 0 {
		return 0
	}
	return (ema[i] - prev) / prev / float64(lookback)
}

func undefined(adx, width, atrPct float64) domain.RegimeContext {
	return domain.RegimeContext{
		Regime:  domain.RegimeUndefined,
		ADX:     adx,
		BBWidth: width,
		ATRPct:  atrPct,
	}
}

// orZero keeps NaN out of persisted context values.
func orZero(v float64) float64 {
	if !indicators.Valid(v) {
		return 0
	}
	return v
}
