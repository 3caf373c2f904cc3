package decision

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
)

// feedbackWindow is the number of recent decisions one report covers.
const feedbackWindow = 20

// StrategyStats aggregates realized outcomes for one strategy across the
// decision windows it was allocated in. Wins and returns are weighted by
// the allocation weight the strategy held in each window.
type StrategyStats struct {
	StrategyID string
	WinRate    float64
	AvgReturn  float64
	// Drawdown is the max peak-to-trough decline of the cumulative
	// weighted window returns, clamped to [0, 1].
	Drawdown float64
	Windows  int
}

// RegimeStats aggregates window outcomes per regime label, one unweighted
// sample per window.
type RegimeStats struct {
	Regime    string
	WinRate   float64
	AvgReturn float64
	Windows   int
}

// Report is the outcome of one feedback pass. Windows without any traded
// notional contribute nothing.
type Report struct {
	Symbol     string
	Decisions  int
	Strategies map[string]StrategyStats
	Regimes    map[string]RegimeStats
}

// Analyzer scores recent decisions against the realized trades that landed
// inside each decision's window. Window i spans [ts_i, ts_i+1); the last
// window extends by the median decision interval.
type Analyzer struct {
	db        *sql.DB
	decisions *DecisionRepository
	window    int
	log       zerolog.Logger
}

func NewAnalyzer(db *sql.DB, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		db:        db,
		decisions: NewDecisionRepository(db),
		window:    feedbackWindow,
		log:       log.With().Str("component", "feedback").Logger(),
	}
}

// strategyAccum and regimeAccum carry the running sums before finalizing.
type strategyAccum struct {
	wins      float64
	total     float64
	returnSum float64
	series    []float64
}

type regimeAccum struct {
	wins      int
	total     int
	returnSum float64
}

// Analyze builds the report for the newest feedbackWindow decisions of the
// symbol. tf supplies the window length when a single decision leaves no
// interval to measure.
func (a *Analyzer) Analyze(symbol string, tf domain.Timeframe) (*Report, error) {
	decisions, err := a.decisions.ListRecent(symbol, a.window)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Symbol:     symbol,
		Decisions:  len(decisions),
		Strategies: make(map[string]StrategyStats),
		Regimes:    make(map[string]RegimeStats),
	}
	if len(decisions) == 0 {
		return report, nil
	}

	strategies := make(map[string]*strategyAccum)
	regimes := make(map[string]*regimeAccum)

	// Decisions from before a timeframe change keep their own bar grid.
	for _, group := range groupByTimeframe(decisions) {
		interval := medianInterval(group, fallbackInterval(group[0].Timeframe, tf))
		for i, d := range group {
			start := d.Ts
			end := start + interval
			if i+1 < len(group) {
				end = group[i+1].Ts
			}
			pnl, notional, err := a.windowTrades(symbol, start, end)
			if err != nil {
				return nil, err
			}
			if notional <= 0 {
				continue
			}
			ret := pnl / notional
			win := ret > 0

			for _, alloc := range normalizeWeights(d.Allocations) {
				acc := strategies[alloc.StrategyID]
				if acc == nil {
					acc = &strategyAccum{}
					strategies[alloc.StrategyID] = acc
				}
				if win {
					acc.wins += alloc.Weight
				}
				acc.total += alloc.Weight
				acc.returnSum += ret * alloc.Weight
				acc.series = append(acc.series, ret*alloc.Weight)
			}

			if d.Regime != "" {
				acc := regimes[d.Regime]
				if acc == nil {
					acc = &regimeAccum{}
					regimes[d.Regime] = acc
				}
				if win {
					acc.wins++
				}
				acc.total++
				acc.returnSum += ret
			}
		}
	}

	for id, acc := range strategies {
		if acc.total <= 0 {
			continue
		}
		report.Strategies[id] = StrategyStats{
			StrategyID: id,
			WinRate:    acc.wins / acc.total,
			AvgReturn:  acc.returnSum / acc.total,
			Drawdown:   maxDrawdown(acc.series),
			Windows:    len(acc.series),
		}
	}
	for label, acc := range regimes {
		if acc.total <= 0 {
			continue
		}
		report.Regimes[label] = RegimeStats{
			Regime:    label,
			WinRate:   float64(acc.wins) / float64(acc.total),
			AvgReturn: acc.returnSum / float64(acc.total),
			Windows:   acc.total,
		}
	}

	a.log.Debug().
		Int("decisions", report.Decisions).
		Int("strategies", len(report.Strategies)).
		Msg("Feedback report built")
	return report, nil
}

// windowTrades sums realized pnl and traded notional over [startTs, endTs).
// Trades without a realized pnl (open legs) still count toward notional.
func (a *Analyzer) windowTrades(symbol string, startTs, endTs int64) (pnl, notional float64, err error) {
	err = a.db.QueryRow(
		`SELECT COALESCE(SUM(CAST(realized_pnl AS REAL)), 0),
		        COALESCE(SUM(ABS(CAST(price AS REAL) * CAST(amount AS REAL))), 0)
		 FROM trades WHERE symbol = ? AND ts >= ? AND ts < ?`,
		symbol, startTs, endTs,
	).Scan(&pnl, &notional)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate window trades: %w", err)
	}
	return pnl, notional, nil
}

// Stats returns the aggregated stats for one strategy.
func (r *Report) Stats(strategyID string) (StrategyStats, bool) {
	s, ok := r.Strategies[strategyID]
	return s, ok
}

// Summary renders the report as the plain-text block embedded in LLM
// prompts.
func (r *Report) Summary() string {
	header := fmt.Sprintf("Outcomes over the last %d decisions:", r.Decisions)
	if len(r.Strategies) == 0 {
		return header + " no realized trade outcomes yet"
	}

	lines := []string{header}
	for _, s := range r.strategiesByReturn() {
		lines = append(lines, fmt.Sprintf("- %s: win rate %.0f%%, avg return %+.2f%%",
			s.StrategyID, s.WinRate*100, s.AvgReturn*100))
	}
	if best, worst, ok := bestWorstStrategy(r.Strategies); ok {
		lines = append(lines,
			fmt.Sprintf("Best performing strategy: %s (win rate %.0f%%)", best.StrategyID, best.WinRate*100),
			fmt.Sprintf("Worst performing strategy: %s (win rate %.0f%%)", worst.StrategyID, worst.WinRate*100))
	}
	if best, worst, ok := bestWorstRegime(r.Regimes); ok {
		lines = append(lines,
			fmt.Sprintf("Best performing regime: %s (win rate %.0f%%)", best.Regime, best.WinRate*100),
			fmt.Sprintf("Worst performing regime: %s (win rate %.0f%%)", worst.Regime, worst.WinRate*100))
	}
	return strings.Join(lines, "\n")
}

func (r *Report) strategiesByReturn() []StrategyStats {
	out := make([]StrategyStats, 0, len(r.Strategies))
	for _, s := range r.Strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgReturn != out[j].AvgReturn {
			return out[i].AvgReturn > out[j].AvgReturn
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

func bestWorstStrategy(stats map[string]StrategyStats) (best, worst StrategyStats, ok bool) {
	for _, s := range sortedStrategyKeys(stats) {
		v := stats[s]
		if !ok {
			best, worst, ok = v, v, true
			continue
		}
		if v.WinRate > best.WinRate {
			best = v
		}
		if v.WinRate < worst.WinRate {
			worst = v
		}
	}
	return best, worst, ok
}

func bestWorstRegime(stats map[string]RegimeStats) (best, worst RegimeStats, ok bool) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := stats[k]
		if !ok {
			best, worst, ok = v, v, true
			continue
		}
		if v.WinRate > best.WinRate {
			best = v
		}
		if v.WinRate < worst.WinRate {
			worst = v
		}
	}
	return best, worst, ok
}

func sortedStrategyKeys(stats map[string]StrategyStats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// groupByTimeframe splits ascending decisions into per-timeframe groups,
// each still ascending. Group order follows first appearance.
func groupByTimeframe(decisions []Decision) [][]Decision {
	index := make(map[string]int)
	var groups [][]Decision
	for _, d := range decisions {
		i, ok := index[d.Timeframe]
		if !ok {
			i = len(groups)
			index[d.Timeframe] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}
	return groups
}

// medianInterval estimates the decision cadence from consecutive
// timestamps, falling back to the bar length when only one decision exists.
func medianInterval(decisions []Decision, fallback int64) int64 {
	var diffs []int64
	for i := 0; i+1 < len(decisions); i++ {
		if delta := decisions[i+1].Ts - decisions[i].Ts; delta > 0 {
			diffs = append(diffs, delta)
		}
	}
	if len(diffs) == 0 {
		return fallback
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	mid := len(diffs) / 2
	if len(diffs)%2 == 1 {
		return diffs[mid]
	}
	return (diffs[mid-1] + diffs[mid]) / 2
}

func fallbackInterval(stored string, tf domain.Timeframe) int64 {
	if ms := domain.Timeframe(stored).Millis(); ms > 0 {
		return ms
	}
	if ms := tf.Millis(); ms > 0 {
		return ms
	}
	return 60 * 60 * 1000
}

// normalizeWeights drops non-positive weights and rescales the remainder
// to sum to 1 so historical rows with un-normalized weights still compare.
func normalizeWeights(allocs []Allocation) []Allocation {
	var total float64
	kept := make([]Allocation, 0, len(allocs))
	for _, a := range allocs {
		if a.StrategyID == "" || a.Weight <= 0 {
			continue
		}
		kept = append(kept, a)
		total += a.Weight
	}
	if total <= 0 {
		return nil
	}
	for i := range kept {
		kept[i].Weight /= total
	}
	return kept
}

// maxDrawdown walks the cumulative sum of the return series and returns
// the largest peak-to-trough decline, clamped to [0, 1].
func maxDrawdown(series []float64) float64 {
	var cum, peak, dd float64
	for _, r := range series {
		cum += r
		if cum > peak {
			peak = cum
		}
		if fall := peak - cum; fall > dd {
			dd = fall
		}
	}
	return clamp(dd, 0, 1)
}
