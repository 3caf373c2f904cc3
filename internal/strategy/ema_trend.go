package strategy

import (
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/indicators"
)

// EMATrendParams tune the trend-following entry and exit rules.
type EMATrendParams struct {
	FastPeriod   int     `yaml:"fast_period"`
	MidPeriod    int     `yaml:"mid_period"`
	SlowPeriod   int     `yaml:"slow_period"`
	MACDFast     int     `yaml:"macd_fast"`
	MACDSlow     int     `yaml:"macd_slow"`
	MACDSignal   int     `yaml:"macd_signal"`
	RSIPeriod    int     `yaml:"rsi_period"`
	ATRPeriod    int     `yaml:"atr_period"`
	VolumePeriod int     `yaml:"volume_period"`
	VolumeMult   float64 `yaml:"volume_mult"`
	RSILongMin   float64 `yaml:"rsi_long_min"`
	RSILongMax   float64 `yaml:"rsi_long_max"`
	RSIShortMin  float64 `yaml:"rsi_short_min"`
	RSIShortMax  float64 `yaml:"rsi_short_max"`
	// MaxStretchATR rejects entries that chase: the close may sit at most
	// this many ATRs beyond the fast EMA.
	MaxStretchATR float64 `yaml:"max_stretch_atr"`
	StopATR       float64 `yaml:"stop_atr"`
	TakeProfitATR float64 `yaml:"take_profit_atr"`
	TimeStopBars  int     `yaml:"time_stop_bars"`
	MaxWeight     float64 `yaml:"max_weight"`
	Leverage      float64 `yaml:"leverage"`
	Confidence    float64 `yaml:"confidence"`
}

// EMATrend trades EMA-stack momentum: aligned 9/21/55 EMAs, MACD histogram
// confirmation, a volume surge, and an RSI band that filters exhaustion.
type EMATrend struct {
	tf     domain.Timeframe
	params EMATrendParams
}

func NewEMATrend(tf domain.Timeframe) *EMATrend {
	return &EMATrend{
		tf: tf,
		params: EMATrendParams{
			FastPeriod:    9,
			MidPeriod:     21,
			SlowPeriod:    55,
			MACDFast:      12,
			MACDSlow:      26,
			MACDSignal:    9,
			RSIPeriod:     14,
			ATRPeriod:     14,
			VolumePeriod:  20,
			VolumeMult:    1.2,
			RSILongMin:    50,
			RSILongMax:    70,
			RSIShortMin:   30,
			RSIShortMax:   50,
			MaxStretchATR: 1.2,
			StopATR:       2,
			TakeProfitATR: 4,
			TimeStopBars:  8,
			MaxWeight:     0.20,
			Leverage:      3,
			Confidence:    0.85,
		},
	}
}

func (s *EMATrend) ID() string                       { return "ema_trend" }
func (s *EMATrend) Timeframe() domain.Timeframe      { return s.tf }
func (s *EMATrend) RequiredRegimes() []domain.Regime { return []domain.Regime{domain.RegimeTrend} }
func (s *EMATrend) Params() any                      { return &s.params }

func (s *EMATrend) Signal(snap *domain.MarketSnapshot) Signal {
	p := s.params
	ts := snap.LastTs()
	if snap.Stale {
		return flat(s.ID(), ts, "stale market data")
	}

	closes := snap.Closes()
	n := len(closes)
	if n < p.SlowPeriod+2 {
		return flat(s.ID(), ts, "warming up: %d bars", n)
	}
	i := n - 1

	fast := indicators.EMA(closes, p.FastPeriod)
	mid := indicators.EMA(closes, p.MidPeriod)
	slow := indicators.EMA(closes, p.SlowPeriod)
	_, _, hist := indicators.MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	rsi := indicators.RSI(closes, p.RSIPeriod)
	atr := indicators.ATR(snap.Highs(), snap.Lows(), closes, p.ATRPeriod)
	volSMA := indicators.VolumeSMA(snap.Volumes(), p.VolumePeriod)

	for _, series := range [][]float64{fast, mid, slow, hist, rsi, atr, volSMA} {
		if !indicators.Valid(series[i]) || !indicators.Valid(series[i-1]) {
			return flat(s.ID(), ts, "indicators warming up")
		}
	}

	last := closes[i]
	volume := snap.Volumes()[i]

	// Structure breaks exit an existing position before any new entry is
	// considered.
	if mid[i] > slow[i] && crossedBelow(closes, mid, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseLong, p.Confidence, "close crossed under EMA%d", p.MidPeriod)
	}
	if mid[i] < slow[i] && crossedAbove(closes, mid, i) {
		return closeSignal(s.ID(), ts, domain.IntentCloseShort, p.Confidence, "close crossed over EMA%d", p.MidPeriod)
	}

	volSurge := volume > volSMA[i]*p.VolumeMult
	histRising := hist[i] > hist[i-1]

	longStack := fast[i] > mid[i] && mid[i] > slow[i] && last > fast[i]
	if longStack && hist[i] > 0 && histRising && volSurge &&
		rsi[i] >= p.RSILongMin && rsi[i] <= p.RSILongMax &&
		last-fast[i] < p.MaxStretchATR*atr[i] {
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
			Reason:       "EMA stack up, MACD rising, volume surge",
		}
	}

	shortStack := fast[i] < mid[i] && mid[i] < slow[i] && last < fast[i]
	if shortStack && hist[i] < 0 && hist[i] < hist[i-1] && volSurge &&
		rsi[i] >= p.RSIShortMin && rsi[i] <= p.RSIShortMax &&
		fast[i]-last < p.MaxStretchATR*atr[i] {
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
			Reason:       "EMA stack down, MACD falling, volume surge",
		}
	}

	return flat(s.ID(), ts, "no trend setup")
}
