package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/execution"
)

// reconcileGrace is how long a placement may stay invisible at the venue
// before the local order is expired. A lost ack needs a window for the
// venue's view to surface.
const reconcileGrace = 60 * time.Second

// OrderConfig identifies the market the syncer settles.
type OrderConfig struct {
	Symbol string
	Grace  time.Duration
}

// OrderSyncer settles every non-terminal local order against the venue's
// view. Catch-up transitions go through the shared lifecycle manager, so
// the sync loop and the executor's fill poller serialize on the same
// per-order lock.
type OrderSyncer struct {
	cfg       OrderConfig
	venue     domain.VenueAPI
	orders    *execution.OrderRepository
	lifecycle *execution.Manager
	log       zerolog.Logger

	now func() time.Time
}

func NewOrderSyncer(
	cfg OrderConfig,
	venue domain.VenueAPI,
	orders *execution.OrderRepository,
	lifecycle *execution.Manager,
	log zerolog.Logger,
) *OrderSyncer {
	if cfg.Grace <= 0 {
		cfg.Grace = reconcileGrace
	}
	return &OrderSyncer{
		cfg:       cfg,
		venue:     venue,
		orders:    orders,
		lifecycle: lifecycle,
		log:       log.With().Str("component", "order_sync").Logger(),
		now:       time.Now,
	}
}

// Sync runs one pass and returns how many orders changed. A failure on one
// order is logged and skipped; the pass keeps going.
func (s *OrderSyncer) Sync(ctx context.Context) (int, error) {
	open, err := s.orders.ListOpen(s.cfg.Symbol)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range open {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		order := &open[i]
		changed, err := s.syncOrder(ctx, order)
		if err != nil {
			s.log.Warn().Err(err).
				Str("client_order_id", order.ClientOrderID).
				Msg("Order sync failed")
			continue
		}
		if changed {
			updated++
		}
	}
	if updated > 0 {
		s.log.Info().Int("updated", updated).Int("open", len(open)).Msg("Orders settled")
	}
	return updated, nil
}

func (s *OrderSyncer) syncOrder(ctx context.Context, order *execution.Order) (bool, error) {
	state, err := s.venue.FetchOrder(ctx, order.Symbol, order.ExchangeOrderID, order.ClientOrderID)
	switch {
	case err == nil:
	case okx.IsNotFound(err):
		if s.withinGrace(order) {
			s.log.Debug().
				Str("client_order_id", order.ClientOrderID).
				Msg("Order not visible at venue yet")
			return false, nil
		}
		return true, s.expire(order)
	default:
		return false, err
	}

	// A placement whose ack was lost is recovered here.
	if order.ExchangeOrderID == "" && state.ExchangeOrderID != "" {
		if err := s.orders.SetExchangeID(order.ClientOrderID, state.ExchangeOrderID); err != nil {
			return false, err
		}
		order.ExchangeOrderID = state.ExchangeOrderID
	}

	if state.Status == domain.OrderStatusCanceled && order.Status != domain.OrderStatusCanceled {
		state.Raw = cancelPayload(state.Raw)
	}
	return execution.ApplyVenueState(s.lifecycle, order, state, "reconciliation")
}

func (s *OrderSyncer) withinGrace(order *execution.Order) bool {
	age := s.now().UTC().UnixMilli() - order.CreatedAt
	return age < s.cfg.Grace.Milliseconds()
}

// expire closes out an order the venue no longer reports.
func (s *OrderSyncer) expire(order *execution.Order) error {
	s.log.Warn().
		Str("client_order_id", order.ClientOrderID).
		Str("status", string(order.Status)).
		Msg("Expiring order the venue no longer reports")
	raw, err := json.Marshal(struct {
		Source string `json:"source"`
		Reason string `json:"reason"`
	}{"reconciliation", "venue no longer reports order"})
	if err != nil {
		return err
	}
	return s.lifecycle.Apply(order, domain.OrderStatusExpired, execution.EventDetail{
		Message:    "venue no longer reports order",
		RawPayload: raw,
	})
}

// cancelPayload marks a venue-side cancel discovered by the sync loop so
// operators can tell it apart from a locally requested one.
func cancelPayload(raw json.RawMessage) json.RawMessage {
	wrapped, err := json.Marshal(struct {
		Source string          `json:"source"`
		Venue  json.RawMessage `json:"venue,omitempty"`
	}{Source: "reconciliation", Venue: raw})
	if err != nil {
		return raw
	}
	return wrapped
}
