package strategy

import (
	"math"

	"github.com/meridianq/perpcore/internal/domain"
)

// FundingArbParams tune the funding-carry rules. Rates are per 8h
// settlement period; basis is mark/index − 1.
type FundingArbParams struct {
	EntryRate      float64 `yaml:"entry_rate"`
	ExitRate       float64 `yaml:"exit_rate"`
	SustainPeriods int     `yaml:"sustain_periods"`
	MaxBasisEntry  float64 `yaml:"max_basis_entry"`
	MaxBasisExit   float64 `yaml:"max_basis_exit"`
	MaxWeight      float64 `yaml:"max_weight"`
	Leverage       float64 `yaml:"leverage"`
	EntryConf      float64 `yaml:"entry_confidence"`
	ExitConf       float64 `yaml:"exit_confidence"`
}

// FundingArb holds the perp side of the funding carry: short the perp
// while longs pay a sustained positive rate, long it while shorts pay a
// sustained negative one. The hedging spot leg is out of scope for a
// single-position book, so the strategy sizes small and leans on the
// basis guard instead of a hedge.
type FundingArb struct {
	tf     domain.Timeframe
	params FundingArbParams
}

func NewFundingArb(tf domain.Timeframe) *FundingArb {
	return &FundingArb{
		tf: tf,
		params: FundingArbParams{
			EntryRate:      0.001,
			ExitRate:       0.0005,
			SustainPeriods: 2,
			MaxBasisEntry:  0.005,
			MaxBasisExit:   0.015,
			MaxWeight:      0.50,
			Leverage:       1,
			EntryConf:      0.9,
			ExitConf:       0.8,
		},
	}
}

func (s *FundingArb) ID() string                       { return "funding_arb" }
func (s *FundingArb) Timeframe() domain.Timeframe      { return s.tf }
func (s *FundingArb) RequiredRegimes() []domain.Regime { return nil }
func (s *FundingArb) Params() any                      { return &s.params }

// sustained reports whether the newest k funding observations are all
// beyond rate in the same direction as rate's sign.
func sustained(history []domain.FundingRate, rate float64, k int) bool {
	if len(history) < k {
		return false
	}
	for _, f := range history[len(history)-k:] {
		if rate > 0 && f.Rate < rate {
			return false
		}
		if rate < 0 && f.Rate > rate {
			return false
		}
	}
	return true
}

func (s *FundingArb) Signal(snap *domain.MarketSnapshot) Signal {
	p := s.params
	ts := snap.LastTs()
	if snap.Stale {
		return flat(s.ID(), ts, "stale market data")
	}
	if snap.Funding == nil || snap.Prices == nil {
		return flat(s.ID(), ts, "no funding or price data")
	}

	rate := snap.Funding.Rate
	basis := snap.Prices.Basis()
	absBasis := math.Abs(basis)

	// Exits before entries: carry gone or basis blown out.
	if math.Abs(rate) < p.ExitRate || absBasis > p.MaxBasisExit {
		intent := domain.IntentCloseShort
		if rate < 0 {
			intent = domain.IntentCloseLong
		}
		return closeSignal(s.ID(), ts, intent, p.ExitConf,
			"carry off: rate=%.5f basis=%.4f", rate, basis)
	}

	if absBasis > p.MaxBasisEntry {
		return flat(s.ID(), ts, "basis %.4f beyond entry bound", basis)
	}

	if rate >= p.EntryRate && sustained(snap.FundingHistory, p.EntryRate, p.SustainPeriods) {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentShort,
			Confidence:   p.EntryConf,
			TargetWeight: -p.MaxWeight,
			LeverageHint: p.Leverage,
			Reason:       "collecting positive funding",
		}
	}
	if rate <= -p.EntryRate && sustained(snap.FundingHistory, -p.EntryRate, p.SustainPeriods) {
		return Signal{
			StrategyID:   s.ID(),
			Ts:           ts,
			Intent:       domain.IntentLong,
			Confidence:   p.EntryConf,
			TargetWeight: p.MaxWeight,
			LeverageHint: p.Leverage,
			Reason:       "collecting negative funding",
		}
	}

	return flat(s.ID(), ts, "funding %.5f below entry threshold", rate)
}
