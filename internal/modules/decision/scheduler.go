package decision

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/strategy"
)

// Score blend and regime-fit grades.
const (
	regimeBlend      = 0.6
	performanceBlend = 0.4

	regimeMatchScore    = 1.0
	regimeMismatchScore = 0.3
	regimeNeutralScore  = 0.6

	// neutralPerformance is assumed until a strategy has realized history.
	neutralPerformance = 0.5
)

// SchedulerConfig bounds the deterministic allocation path.
type SchedulerConfig struct {
	TopK           int
	MinScore       float64
	GlobalLeverage float64
}

// Scheduler scores every enabled strategy against the current regime and
// its realized performance, keeps the top K above the score floor, and
// blends their signals into one target position.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *strategy.Registry
	log      zerolog.Logger
}

func NewScheduler(cfg SchedulerConfig, registry *strategy.Registry, log zerolog.Logger) *Scheduler {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

type candidate struct {
	strat  strategy.Strategy
	signal strategy.Signal
	alloc  Allocation
}

// Decide produces the portfolio decision for one cycle. report may be nil
// when no feedback history exists yet.
func (s *Scheduler) Decide(snap *domain.MarketSnapshot, regime domain.RegimeContext, report *Report) *Decision {
	d := &Decision{
		Ts:        snap.LastTs(),
		Symbol:    snap.Symbol,
		Timeframe: string(snap.Timeframe),
		Regime:    string(regime.Regime),
		Source:    SourcePortfolio,
	}

	candidates := s.score(snap, regime, report)
	selected := s.allocate(candidates)
	if len(selected) == 0 {
		d.Reasoning = fmt.Sprintf("no strategy scored above %.2f in %s", s.cfg.MinScore, regime.Regime)
		return d
	}

	var total, confidence float64
	for _, c := range selected {
		d.Allocations = append(d.Allocations, c.alloc)
		total += c.alloc.Weight * c.signal.TargetWeight
		confidence += c.alloc.Weight * c.signal.Confidence
	}
	d.TotalPosition = clamp(total, -s.cfg.GlobalLeverage, s.cfg.GlobalLeverage)
	d.Confidence = confidence
	d.Reasoning = fmt.Sprintf("selected %d of %d enabled strategies in %s",
		len(selected), len(candidates), regime.Regime)

	s.log.Debug().
		Str("regime", string(regime.Regime)).
		Int("selected", len(selected)).
		Float64("target", d.TotalPosition).
		Msg("Portfolio decision")
	return d
}

// score grades every enabled strategy; weights stay zero until allocate.
func (s *Scheduler) score(snap *domain.MarketSnapshot, regime domain.RegimeContext, report *Report) []candidate {
	var candidates []candidate
	for _, st := range s.registry.Enabled() {
		rs := regimeScore(regime.Regime, st.RequiredRegimes())
		ps := neutralPerformance
		if report != nil {
			if stats, ok := report.Stats(st.ID()); ok {
				ps = performanceScore(stats)
			}
		}
		score := regimeBlend*rs + performanceBlend*ps
		sig := st.Signal(snap)
		candidates = append(candidates, candidate{
			strat:  st,
			signal: sig,
			alloc: Allocation{
				StrategyID:       st.ID(),
				Score:            score,
				RegimeScore:      rs,
				PerformanceScore: ps,
				Confidence:       sig.Confidence,
				Reasoning:        fmt.Sprintf("regime=%s, base=%.2f, perf=%.2f", regime.Regime, rs, ps),
			},
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].alloc.Score > candidates[j].alloc.Score
	})
	return candidates
}

// allocate keeps the top K candidates above the floor and normalizes their
// weights proportional to score.
func (s *Scheduler) allocate(candidates []candidate) []candidate {
	var selected []candidate
	for _, c := range candidates {
		if c.alloc.Score < s.cfg.MinScore {
			continue
		}
		selected = append(selected, c)
		if len(selected) == s.cfg.TopK {
			break
		}
	}
	var total float64
	for _, c := range selected {
		total += c.alloc.Score
	}
	if total <= 0 {
		total = 1
	}
	for i := range selected {
		selected[i].alloc.Weight = selected[i].alloc.Score / total
	}
	return selected
}

// regimeScore grades regime fit: declared match 1.0, mismatch 0.3, and a
// neutral 0.6 for strategies that trade in any regime.
func regimeScore(regime domain.Regime, required []domain.Regime) float64 {
	if len(required) == 0 {
		return regimeNeutralScore
	}
	for _, r := range required {
		if r == regime {
			return regimeMatchScore
		}
	}
	return regimeMismatchScore
}

// performanceScore folds realized stats into [0, 1]: win rate, average
// window return mapped from [-1, 1], and drawdown as a penalty.
func performanceScore(stats StrategyStats) float64 {
	if stats.Windows == 0 {
		return neutralPerformance
	}
	winRate := clamp(stats.WinRate, 0, 1)
	returns := clamp(stats.AvgReturn, -1, 1)/2 + 0.5
	drawdown := clamp(stats.Drawdown, 0, 1)
	return 0.5*winRate + 0.3*returns + 0.2*(1-drawdown)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
