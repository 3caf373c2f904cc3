package decision

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/regime"
	"github.com/meridianq/perpcore/internal/strategy"
)

// snapshotDepth is how many bars one cycle reads; enough for every
// indicator warmup the strategies and classifier need.
const snapshotDepth = 200

// EngineConfig identifies the market the cycle decides on.
type EngineConfig struct {
	Symbol    string
	Timeframe domain.Timeframe
}

// Engine runs one decision cycle end to end: snapshot, regime label,
// feedback report, proposal, persisted row. The LLM path is optional and
// the scheduler always backs it; exactly one decision is written per
// cycle no matter which path produced it.
type Engine struct {
	cfg        EngineConfig
	market     *marketdata.Service
	classifier *regime.Classifier
	registry   *strategy.Registry
	analyzer   *Analyzer
	scheduler  *Scheduler
	llm        *LLMEngine // nil runs scheduler-only
	decisions  *DecisionRepository
	log        zerolog.Logger

	now func() time.Time
}

func NewEngine(
	cfg EngineConfig,
	market *marketdata.Service,
	classifier *regime.Classifier,
	registry *strategy.Registry,
	analyzer *Analyzer,
	scheduler *Scheduler,
	llmEngine *LLMEngine,
	decisions *DecisionRepository,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		market:     market,
		classifier: classifier,
		registry:   registry,
		analyzer:   analyzer,
		scheduler:  scheduler,
		llm:        llmEngine,
		decisions:  decisions,
		log:        log.With().Str("component", "decision").Str("symbol", cfg.Symbol).Logger(),
		now:        time.Now,
	}
}

// Decide runs one cycle and returns the persisted decision.
func (e *Engine) Decide(ctx context.Context) (*Decision, error) {
	snap, err := e.market.GetSnapshot(e.cfg.Symbol, e.cfg.Timeframe, snapshotDepth)
	if err != nil {
		return nil, err
	}
	if len(snap.Candles) == 0 {
		d := &Decision{
			Ts:        e.now().UTC().UnixMilli(),
			Symbol:    e.cfg.Symbol,
			Timeframe: string(e.cfg.Timeframe),
			Regime:    string(domain.RegimeUndefined),
			Source:    SourcePortfolio,
			Reasoning: RejectNoCandles,
		}
		if err := e.decisions.Insert(d); err != nil {
			return nil, err
		}
		e.log.Warn().Msg("No candles, holding")
		return d, nil
	}
	if snap.Stale {
		e.log.Warn().Int64("last_ts", snap.LastTs()).Msg("Snapshot is stale")
	}

	rc := e.classifier.Classify(snap)

	report, err := e.analyzer.Analyze(e.cfg.Symbol, e.cfg.Timeframe)
	if err != nil {
		// Feedback is advisory; the cycle proceeds with neutral history.
		e.log.Warn().Err(err).Msg("Feedback analysis failed")
		report = nil
	}

	var rejectNote string
	if e.llm != nil {
		d, err := e.llm.Propose(ctx, snap, rc, report, e.registry.Enabled())
		switch {
		case err == nil:
			if err := e.persist(d); err != nil {
				return nil, err
			}
			return d, nil
		case errors.Is(err, ErrProposalRejected):
			var rej *RejectError
			if errors.As(err, &rej) {
				rejectNote = rej.Reason
			} else {
				rejectNote = err.Error()
			}
		default:
			return nil, err
		}
	}

	d := e.scheduler.Decide(snap, rc, report)
	if rejectNote != "" {
		d.Reasoning = "llm rejected (" + rejectNote + "); " + d.Reasoning
	}
	if err := e.persist(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) persist(d *Decision) error {
	if err := e.decisions.Insert(d); err != nil {
		return err
	}
	e.log.Info().
		Str("source", d.Source).
		Str("regime", d.Regime).
		Float64("target", d.TotalPosition).
		Float64("confidence", d.Confidence).
		Int("allocations", len(d.Allocations)).
		Msg("Decision recorded")
	return nil
}
