// Package reconcile keeps the local book aligned with the venue: the
// account-sync loop mirrors balances and positions, the order-sync loop
// settles orders the fill poller lost track of. Local rows are updated to
// the venue's view; disagreements beyond tolerance are flagged as risk
// events rather than silently absorbed.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/execution"
)

// driftTolerance is the relative size disagreement between the local and
// venue position above which a POSITION_DRIFT event is emitted.
const driftTolerance = 0.005

// AccountConfig identifies the account being mirrored.
type AccountConfig struct {
	Symbol         string
	Exchange       string
	AccountID      string
	DriftTolerance float64
}

// riskSink records reconciliation findings as risk events.
type riskSink interface {
	RecordEvent(level, rule, message string) error
}

// AccountSyncer mirrors venue balances and positions into the local
// database. The venue is the source of truth for holdings; the decision
// layer's targets are not touched, so a drift event is a prompt for the
// operator, not a trigger for automatic correction.
type AccountSyncer struct {
	cfg       AccountConfig
	venue     domain.VenueAPI
	snapshots *SnapshotRepository
	positions *execution.PositionRepository
	risk      riskSink
	log       zerolog.Logger

	now func() time.Time
}

func NewAccountSyncer(
	cfg AccountConfig,
	venue domain.VenueAPI,
	snapshots *SnapshotRepository,
	positions *execution.PositionRepository,
	risk riskSink,
	log zerolog.Logger,
) *AccountSyncer {
	if cfg.Exchange == "" {
		cfg.Exchange = "okx"
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = driftTolerance
	}
	return &AccountSyncer{
		cfg:       cfg,
		venue:     venue,
		snapshots: snapshots,
		positions: positions,
		risk:      risk,
		log:       log.With().Str("component", "account_sync").Logger(),
		now:       time.Now,
	}
}

// Sync runs one pass. Balance and position sync are independent; a failure
// on one side does not stop the other.
func (s *AccountSyncer) Sync(ctx context.Context) error {
	balErr := s.syncBalances(ctx)
	if balErr != nil {
		s.log.Warn().Err(balErr).Msg("Balance sync failed")
	}
	posErr := s.syncPositions(ctx)
	if posErr != nil {
		s.log.Warn().Err(posErr).Msg("Position sync failed")
	}
	if balErr != nil {
		return balErr
	}
	return posErr
}

type balancePayload struct {
	Currency string `json:"currency"`
	Total    string `json:"total"`
	Free     string `json:"free"`
	Used     string `json:"used"`
}

func (s *AccountSyncer) syncBalances(ctx context.Context) error {
	balances, err := s.venue.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	ts := s.now().UTC().UnixMilli()

	inserted, err := s.snapshots.InsertBalances(balances, ts)
	if err != nil {
		return err
	}

	payload := make([]balancePayload, 0, len(balances))
	for _, b := range balances {
		payload = append(payload, balancePayload{
			Currency: b.Currency,
			Total:    b.Total.String(),
			Free:     b.Free.String(),
			Used:     b.Used.String(),
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal balance snapshot: %w", err)
	}
	if err := s.snapshots.SnapshotBalances(s.cfg.Exchange, s.cfg.AccountID, ts, raw); err != nil {
		return err
	}

	s.log.Debug().Int("currencies", len(balances)).Int("inserted", inserted).Msg("Balances synced")
	return nil
}

func (s *AccountSyncer) syncPositions(ctx context.Context) error {
	venuePositions, err := s.venue.FetchPositions(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	local, err := s.positions.List(s.cfg.Symbol)
	if err != nil {
		return err
	}
	localBySide := make(map[domain.PositionSide]execution.Position, len(local))
	for _, p := range local {
		localBySide[p.PosSide] = p
	}
	ts := s.now().UTC().UnixMilli()

	seen := make(map[domain.PositionSide]bool)
	for _, vp := range venuePositions {
		if vp.Symbol != s.cfg.Symbol {
			continue
		}
		seen[vp.PosSide] = true
		s.checkDrift(vp.PosSide, localBySide[vp.PosSide].Size, vp.Size)

		if err := s.snapshots.SnapshotPosition(s.cfg.Exchange, s.cfg.AccountID, vp.Symbol, ts, positionRaw(vp)); err != nil {
			return err
		}
		if err := s.positions.Upsert(execution.Position{
			Symbol:           vp.Symbol,
			PosSide:          vp.PosSide,
			Size:             vp.Size,
			EntryPrice:       vp.EntryPrice,
			Leverage:         vp.Leverage,
			UnrealizedPnL:    nullable(vp.UnrealizedPnL),
			Margin:           nullable(vp.Margin),
			LiquidationPrice: nullable(vp.LiquidationPrice),
			UpdatedAt:        ts,
		}); err != nil {
			return err
		}
	}

	// Local entries the venue no longer reports are flattened, with a
	// closing snapshot for the audit trail.
	for _, p := range local {
		if seen[p.PosSide] || p.Size.IsZero() {
			continue
		}
		s.checkDrift(p.PosSide, p.Size, decimal.Zero)
		raw, err := json.Marshal(struct {
			Symbol  string `json:"symbol"`
			PosSide string `json:"pos_side"`
			Size    string `json:"size"`
			Closed  bool   `json:"closed"`
		}{p.Symbol, string(p.PosSide), "0", true})
		if err != nil {
			return fmt.Errorf("marshal closing snapshot: %w", err)
		}
		if err := s.snapshots.SnapshotPosition(s.cfg.Exchange, s.cfg.AccountID, p.Symbol, ts, raw); err != nil {
			return err
		}
		if err := s.positions.Upsert(execution.Position{
			Symbol:    p.Symbol,
			PosSide:   p.PosSide,
			Size:      decimal.Zero,
			Leverage:  p.Leverage,
			UpdatedAt: ts,
		}); err != nil {
			return err
		}
	}

	s.log.Debug().Int("venue_positions", len(venuePositions)).Msg("Positions synced")
	return nil
}

// checkDrift compares the sizes the two books held before this pass.
func (s *AccountSyncer) checkDrift(side domain.PositionSide, localSize, venueSize decimal.Decimal) {
	if localSize.IsZero() && venueSize.IsZero() {
		return
	}
	denom := decimal.Max(localSize.Abs(), venueSize.Abs())
	drift := venueSize.Sub(localSize).Abs().Div(denom)
	if drift.InexactFloat64() <= s.cfg.DriftTolerance {
		return
	}

	msg := fmt.Sprintf("%s %s: local=%s venue=%s drift=%.4f",
		s.cfg.Symbol, side, localSize.String(), venueSize.String(), drift.InexactFloat64())
	s.log.Warn().
		Str("pos_side", string(side)).
		Str("local", localSize.String()).
		Str("venue", venueSize.String()).
		Msg("Position drift detected")
	if err := s.risk.RecordEvent("WARN", "POSITION_DRIFT", msg); err != nil {
		s.log.Error().Err(err).Msg("Failed to record drift event")
	}
}

// positionRaw prefers the venue's own payload over a re-serialization.
func positionRaw(vp domain.VenuePosition) []byte {
	if len(vp.Raw) > 0 {
		return vp.Raw
	}
	raw, err := json.Marshal(struct {
		Symbol     string `json:"symbol"`
		PosSide    string `json:"pos_side"`
		Size       string `json:"size"`
		EntryPrice string `json:"entry_price"`
	}{vp.Symbol, string(vp.PosSide), vp.Size.String(), vp.EntryPrice.String()})
	if err != nil {
		return nil
	}
	return raw
}

func nullable(d decimal.Decimal) decimal.NullDecimal {
	if d.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
