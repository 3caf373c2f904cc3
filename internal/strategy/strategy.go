// Package strategy holds the signal generators. Every strategy is a pure
// function of the market snapshot it is handed: no I/O, no clock, no
// venue access. Exits that depend on position state (stops, take-profits,
// time-stops) ride on the signal as prices and bar counts; the executor
// and the backtest engine enforce them.
package strategy

import (
	"fmt"

	"github.com/meridianq/perpcore/internal/domain"
)

// Signal is one strategy's verdict for the newest closed bar.
type Signal struct {
	StrategyID   string              `json:"strategy_id"`
	Ts           int64               `json:"ts"`
	Intent       domain.SignalIntent `json:"intent"`
	Confidence   float64             `json:"confidence"`
	TargetWeight float64             `json:"target_weight"` // [-1, 1], sign is direction
	StopLoss     float64             `json:"stop_loss,omitempty"`
	TakeProfit   float64             `json:"take_profit,omitempty"`
	LeverageHint float64             `json:"leverage_hint,omitempty"`
	TimeStopBars int                 `json:"time_stop_bars,omitempty"`
	Reason       string              `json:"reason"`
}

// Actionable reports whether the signal asks for a position change.
func (s Signal) Actionable() bool {
	return s.Intent != domain.IntentFlat
}

// Strategy is one signal generator. Implementations are stateless between
// calls; parameters are plain structs the registry can override from YAML.
type Strategy interface {
	ID() string
	Timeframe() domain.Timeframe
	// RequiredRegimes lists the regimes the strategy trades in. Empty
	// means no regime gate.
	RequiredRegimes() []domain.Regime
	// Params returns a pointer to the strategy's parameter struct so
	// overrides can be decoded into it.
	Params() any
	Signal(snap *domain.MarketSnapshot) Signal
}

// TradesIn reports whether the strategy runs under the given regime.
func TradesIn(s Strategy, regime domain.Regime) bool {
	required := s.RequiredRegimes()
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if r == regime {
			return true
		}
	}
	return false
}

// flat builds the stand-aside signal every strategy returns when it has no
// edge or not enough data.
func flat(id string, ts int64, format string, args ...any) Signal {
	return Signal{
		StrategyID: id,
		Ts:         ts,
		Intent:     domain.IntentFlat,
		Reason:     fmt.Sprintf(format, args...),
	}
}

// closeSignal builds a position-exit signal. Close intents apply only when
// a matching position exists; the executor ignores them otherwise.
func closeSignal(id string, ts int64, intent domain.SignalIntent, confidence float64, format string, args ...any) Signal {
	return Signal{
		StrategyID: id,
		Ts:         ts,
		Intent:     intent,
		Confidence: confidence,
		Reason:     fmt.Sprintf(format, args...),
	}
}

// crossedBelow reports whether a crossed under b on the newest bar.
func crossedBelow(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i] < b[i] && a[i-1] >= b[i-1]
}

// crossedAbove reports whether a crossed over b on the newest bar.
func crossedAbove(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i] > b[i] && a[i-1] <= b[i-1]
}

// crossedUpLevel reports whether the series crossed up through a fixed level.
func crossedUpLevel(series []float64, level float64, i int) bool {
	if i < 1 || i >= len(series) {
		return false
	}
	return series[i] >= level && series[i-1] < level
}

// crossedDownLevel reports whether the series crossed down through a fixed level.
func crossedDownLevel(series []float64, level float64, i int) bool {
	if i < 1 || i >= len(series) {
		return false
	}
	return series[i] <= level && series[i-1] > level
}
