// Package decision turns market snapshots, regime labels, and strategy
// signals into one persisted allocation decision per cycle. The portfolio
// scheduler is the deterministic path; when an LLM provider is configured
// its proposal is validated first and the scheduler serves as fallback.
package decision

import "errors"

// ErrProposalRejected marks an LLM proposal that failed validation. The
// caller falls back to the portfolio scheduler; the reject reason is
// recorded on the llm_runs row.
var ErrProposalRejected = errors.New("llm proposal rejected")

// Decision sources.
const (
	SourcePortfolio = "portfolio"
	SourceLLM       = "llm"
)

// Reject reasons recorded verbatim in llm_runs.reject_reason.
const (
	RejectLLMError          = "llm_error"
	RejectUnknownStrategy   = "unknown_strategy"
	RejectWeightSumMismatch = "weight_sum_mismatch"
	RejectWeightSumZero     = "weight_sum_zero"
	RejectLowConfidence     = "low_confidence"
	RejectPositionLimit     = "position_limit"
	RejectNoCandles         = "no_candles"
)

// LLM run outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Allocation is one strategy's share of a decision. Score fields are
// populated on scheduler decisions; LLM allocations carry only the weight
// and confidence the model returned.
type Allocation struct {
	StrategyID       string  `json:"strategy_id"`
	Weight           float64 `json:"weight"`
	Score            float64 `json:"score,omitempty"`
	RegimeScore      float64 `json:"regime_score,omitempty"`
	PerformanceScore float64 `json:"performance_score,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
}

// Decision is one row of the decisions table. TotalPosition is the signed
// target exposure in units of equity, already clamped to the leverage cap.
type Decision struct {
	ID            int64
	Ts            int64
	Symbol        string
	Timeframe     string
	Regime        string
	Allocations   []Allocation
	TotalPosition float64
	Confidence    float64
	Reasoning     string
	Source        string
	PromptVersion string
	ModelVersion  string
}

// Hold reports whether the decision carries no target exposure.
func (d *Decision) Hold() bool {
	return len(d.Allocations) == 0 || d.TotalPosition == 0
}

// LLMRun is one row of the llm_runs audit table; every provider call
// writes exactly one, accepted or not.
type LLMRun struct {
	ID           int64
	Ts           int64
	Provider     string
	Model        string
	LatencyMs    int64
	Prompt       string
	Response     string
	Outcome      string
	RejectReason string
}
