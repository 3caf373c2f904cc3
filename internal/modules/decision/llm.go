package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/clients/llm"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/strategy"
)

// promptVersion tags decisions with the prompt layout that produced them.
const promptVersion = "v1"

// holdEpsilon treats near-zero target positions as flat.
const holdEpsilon = 1e-6

// RejectError carries the recorded reason for a refused proposal. It
// unwraps to ErrProposalRejected so callers can branch on the sentinel.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("llm proposal rejected: %s", e.Reason)
	}
	return fmt.Sprintf("llm proposal rejected: %s (%s)", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error { return ErrProposalRejected }

// Completer is the provider surface the engine calls. Satisfied by
// llm.Client.
type Completer interface {
	Complete(ctx context.Context, system, user string) (*llm.Completion, error)
	Provider() string
	Model() string
}

// LLMEngineConfig bounds proposal validation.
type LLMEngineConfig struct {
	MinConfidence  float64
	GlobalLeverage float64
}

// LLMEngine asks the configured provider for an allocation proposal and
// accepts it only when every validation gate passes. Each provider round
// trip writes one llm_runs row, accepted or not.
type LLMEngine struct {
	cfg    LLMEngineConfig
	client Completer
	runs   *LLMRunRepository
	log    zerolog.Logger

	now func() time.Time
}

func NewLLMEngine(cfg LLMEngineConfig, client Completer, runs *LLMRunRepository, log zerolog.Logger) *LLMEngine {
	return &LLMEngine{
		cfg:    cfg,
		client: client,
		runs:   runs,
		log:    log.With().Str("component", "llm_engine").Logger(),
		now:    time.Now,
	}
}

// proposal mirrors the JSON schema the system prompt demands. A nil
// TotalPosition means the model left sizing to the caller.
type proposal struct {
	MarketRegime        string               `json:"market_regime"`
	StrategyAllocations []proposalAllocation `json:"strategy_allocations"`
	TotalPosition       *float64             `json:"total_position"`
	SelectedStrategyID  string               `json:"selected_strategy_id"`
	Confidence          float64              `json:"confidence"`
	Reasoning           string               `json:"reasoning"`
}

type proposalAllocation struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Propose runs one provider round trip. A nil error means the returned
// decision passed every gate; rejections wrap ErrProposalRejected and the
// caller falls back to the scheduler.
func (e *LLMEngine) Propose(ctx context.Context, snap *domain.MarketSnapshot, regime domain.RegimeContext, report *Report, catalog []strategy.Strategy) (*Decision, error) {
	system, user := buildPrompts(snap, regime, report, catalog)

	comp, err := e.client.Complete(ctx, system, user)
	if err != nil {
		return nil, e.reject(system, user, err.Error(), 0, &RejectError{Reason: RejectLLMError, Detail: err.Error()})
	}

	prop, rerr := parseProposal(comp.Content)
	if rerr != nil {
		return nil, e.reject(system, user, comp.Content, comp.LatencyMs, rerr)
	}

	d, rerr := e.validate(snap, regime, prop, catalog)
	if rerr != nil {
		return nil, e.reject(system, user, comp.Content, comp.LatencyMs, rerr)
	}

	if err := e.record(system, user, comp.Content, comp.LatencyMs, OutcomeAccepted, ""); err != nil {
		return nil, err
	}
	e.log.Info().
		Float64("total_position", d.TotalPosition).
		Float64("confidence", d.Confidence).
		Int("allocations", len(d.Allocations)).
		Msg("LLM proposal accepted")
	return d, nil
}

// reject records the run and hands the rejection back. A failed audit
// write outranks the rejection: the caller must not treat a broken store
// as a routine fallback.
func (e *LLMEngine) reject(system, user, response string, latency int64, rerr *RejectError) error {
	if err := e.record(system, user, response, latency, OutcomeRejected, rerr.Reason); err != nil {
		return err
	}
	e.log.Warn().
		Str("reason", rerr.Reason).
		Str("detail", rerr.Detail).
		Msg("LLM proposal rejected")
	return rerr
}

func (e *LLMEngine) record(system, user, response string, latency int64, outcome, reason string) error {
	return e.runs.Insert(&LLMRun{
		Ts:           e.now().UTC().UnixMilli(),
		Provider:     e.client.Provider(),
		Model:        e.client.Model(),
		LatencyMs:    latency,
		Prompt:       system + "\n\n" + user,
		Response:     response,
		Outcome:      outcome,
		RejectReason: reason,
	})
}

// parseProposal extracts and decodes the response body, enforcing the
// bounds the schema states. Any violation is an llm_error.
func parseProposal(content string) (*proposal, *RejectError) {
	raw, ok := llm.ExtractJSON(content)
	if !ok {
		return nil, &RejectError{Reason: RejectLLMError, Detail: "no JSON object in response"}
	}
	var prop proposal
	if err := json.Unmarshal([]byte(raw), &prop); err != nil {
		return nil, &RejectError{Reason: RejectLLMError, Detail: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if prop.Confidence < 0 || prop.Confidence > 1 {
		return nil, &RejectError{Reason: RejectLLMError, Detail: "confidence outside [0, 1]"}
	}
	if prop.TotalPosition != nil && math.Abs(*prop.TotalPosition) > 1 {
		return nil, &RejectError{Reason: RejectLLMError, Detail: "total_position outside [-1, 1]"}
	}
	for i := range prop.StrategyAllocations {
		a := &prop.StrategyAllocations[i]
		a.StrategyID = normalizeStrategyID(a.StrategyID)
		if a.StrategyID == "" {
			return nil, &RejectError{Reason: RejectLLMError, Detail: "allocation missing strategy_id"}
		}
		if a.Weight < 0 || a.Weight > 1 {
			return nil, &RejectError{Reason: RejectLLMError, Detail: "allocation weight outside [0, 1]"}
		}
		if a.Confidence < 0 || a.Confidence > 1 {
			return nil, &RejectError{Reason: RejectLLMError, Detail: "allocation confidence outside [0, 1]"}
		}
	}
	prop.SelectedStrategyID = normalizeStrategyID(prop.SelectedStrategyID)
	return &prop, nil
}

func normalizeStrategyID(id string) string {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, "HOLD") {
		return "HOLD"
	}
	return strings.ToLower(id)
}

// validate runs the allocation gates in a fixed order: unknown strategy,
// zero weights, weight sum, confidence floor, position cap.
func (e *LLMEngine) validate(snap *domain.MarketSnapshot, regime domain.RegimeContext, prop *proposal, catalog []strategy.Strategy) (*Decision, *RejectError) {
	enabled := make(map[string]bool, len(catalog))
	for _, st := range catalog {
		enabled[st.ID()] = true
	}
	maxAbs := clamp(e.cfg.GlobalLeverage, 0, 1)

	allocs := prop.StrategyAllocations
	if len(allocs) == 0 {
		return e.validateSelected(snap, regime, prop, enabled, maxAbs)
	}

	for _, a := range allocs {
		if !enabled[a.StrategyID] {
			return nil, &RejectError{Reason: RejectUnknownStrategy, Detail: a.StrategyID}
		}
	}
	var sum float64
	for _, a := range allocs {
		sum += a.Weight
	}
	if sum <= 0 {
		return nil, &RejectError{Reason: RejectWeightSumZero}
	}
	if sum < 0.95 || sum > 1.05 {
		return nil, &RejectError{Reason: RejectWeightSumMismatch, Detail: fmt.Sprintf("sum %.3f", sum)}
	}
	if prop.Confidence < e.cfg.MinConfidence {
		return nil, &RejectError{Reason: RejectLowConfidence,
			Detail: fmt.Sprintf("%.2f below %.2f", prop.Confidence, e.cfg.MinConfidence)}
	}
	total := maxAbs
	if prop.TotalPosition != nil {
		total = *prop.TotalPosition
	}
	if math.Abs(total) > maxAbs {
		return nil, &RejectError{Reason: RejectPositionLimit,
			Detail: fmt.Sprintf("|%.3f| above %.3f", total, maxAbs)}
	}
	return e.decision(snap, regime, prop, allocs, total), nil
}

// validateSelected handles responses that name a single strategy, or
// nothing at all, instead of an allocation list. HOLD and flat targets are
// accepted as an empty decision.
func (e *LLMEngine) validateSelected(snap *domain.MarketSnapshot, regime domain.RegimeContext, prop *proposal, enabled map[string]bool, maxAbs float64) (*Decision, *RejectError) {
	selected := prop.SelectedStrategyID
	switch {
	case selected == "HOLD":
		return e.decision(snap, regime, prop, nil, 0), nil
	case selected == "":
		if prop.TotalPosition == nil || math.Abs(*prop.TotalPosition) <= holdEpsilon {
			return e.decision(snap, regime, prop, nil, 0), nil
		}
		return nil, &RejectError{Reason: RejectLLMError, Detail: "target position without strategy allocations"}
	case !enabled[selected]:
		return nil, &RejectError{Reason: RejectUnknownStrategy, Detail: selected}
	case prop.Confidence < e.cfg.MinConfidence:
		return nil, &RejectError{Reason: RejectLowConfidence,
			Detail: fmt.Sprintf("%.2f below %.2f", prop.Confidence, e.cfg.MinConfidence)}
	}
	total := maxAbs
	if prop.TotalPosition != nil {
		total = *prop.TotalPosition
	}
	if math.Abs(total) > maxAbs {
		return nil, &RejectError{Reason: RejectPositionLimit,
			Detail: fmt.Sprintf("|%.3f| above %.3f", total, maxAbs)}
	}
	allocs := []proposalAllocation{{
		StrategyID: selected,
		Weight:     1,
		Confidence: prop.Confidence,
		Reasoning:  prop.Reasoning,
	}}
	return e.decision(snap, regime, prop, allocs, total), nil
}

// decision maps an accepted proposal onto a persistable row. The regime
// column carries the classifier's label; the model's own regime claim
// stays in the llm_runs response.
func (e *LLMEngine) decision(snap *domain.MarketSnapshot, regime domain.RegimeContext, prop *proposal, allocs []proposalAllocation, total float64) *Decision {
	d := &Decision{
		Ts:            snap.LastTs(),
		Symbol:        snap.Symbol,
		Timeframe:     string(snap.Timeframe),
		Regime:        string(regime.Regime),
		TotalPosition: total,
		Confidence:    prop.Confidence,
		Reasoning:     prop.Reasoning,
		Source:        SourceLLM,
		PromptVersion: promptVersion,
		ModelVersion:  e.client.Model(),
	}
	for _, a := range allocs {
		d.Allocations = append(d.Allocations, Allocation{
			StrategyID: a.StrategyID,
			Weight:     a.Weight,
			Confidence: a.Confidence,
			Reasoning:  a.Reasoning,
		})
	}
	return d
}

const systemPrompt = `You are a quant portfolio manager for a perpetual futures account. Return JSON only. No markdown, no extra text. Use this schema exactly:
{
  "market_regime": "TREND|RANGE|BREAKOUT|HIGH_VOL|UNDEFINED",
  "strategy_allocations": [
    {"strategy_id": "string", "weight": 0.0, "confidence": 0.0, "reasoning": "string"}
  ],
  "total_position": 0.0,
  "confidence": 0.0,
  "reasoning": "string"
}
Rules:
- strategy_id must be one of the provided strategies.
- weights must each be between 0 and 1 and sum to 1.
- total_position is the signed target exposure as a fraction of equity, between -1 and 1.
- confidence must be between 0 and 1.
- If no strategy is suitable, return an empty strategy_allocations list and total_position 0.`

type promptCandle struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type promptStrategy struct {
	ID      string   `json:"id"`
	Regimes []string `json:"regimes,omitempty"`
}

type promptPayload struct {
	MarketData struct {
		Symbol      string         `json:"symbol"`
		Timeframe   string         `json:"timeframe"`
		Timestamp   int64          `json:"timestamp"`
		LastPrice   float64        `json:"last_price"`
		FundingRate *float64       `json:"funding_rate,omitempty"`
		OHLCVTail   []promptCandle `json:"ohlcv_tail"`
	} `json:"market_data"`
	Regime struct {
		Current string  `json:"current"`
		ADX     float64 `json:"adx"`
		BBWidth float64 `json:"bb_width"`
		ATRPct  float64 `json:"atr_pct"`
	} `json:"regime"`
	ActiveStrategies []promptStrategy `json:"active_strategies"`
	DecisionFeedback string           `json:"decision_feedback,omitempty"`
}

func buildPrompts(snap *domain.MarketSnapshot, regime domain.RegimeContext, report *Report, catalog []strategy.Strategy) (system, user string) {
	var p promptPayload
	p.MarketData.Symbol = snap.Symbol
	p.MarketData.Timeframe = string(snap.Timeframe)
	p.MarketData.Timestamp = snap.LastTs()
	p.MarketData.LastPrice = snap.LastClose()
	if snap.Funding != nil {
		rate := snap.Funding.Rate
		p.MarketData.FundingRate = &rate
	}
	tail := snap.Candles
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, c := range tail {
		p.MarketData.OHLCVTail = append(p.MarketData.OHLCVTail, promptCandle{
			Ts: c.Ts, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		})
	}
	p.Regime.Current = string(regime.Regime)
	p.Regime.ADX = regime.ADX
	p.Regime.BBWidth = regime.BBWidth
	p.Regime.ATRPct = regime.ATRPct
	for _, st := range catalog {
		ps := promptStrategy{ID: st.ID()}
		for _, r := range st.RequiredRegimes() {
			ps.Regimes = append(ps.Regimes, string(r))
		}
		p.ActiveStrategies = append(p.ActiveStrategies, ps)
	}
	if report != nil {
		p.DecisionFeedback = report.Summary()
	}
	blob, _ := json.MarshalIndent(p, "", "  ")
	return systemPrompt, "Allocate across the strategies below based on the data.\n" + string(blob)
}
