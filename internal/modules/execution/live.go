package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
)

// LiveConfig controls live order routing.
type LiveConfig struct {
	TDMode       string // cross | isolated
	PosMode      string // long_short | net
	WaitFill     bool
	FillTimeout  time.Duration
	FillInterval time.Duration
	MaxRetries   int
}

// LiveExecutor routes orders to the venue. The order row is persisted with
// a fresh client order id before any network traffic, so a retry reuses
// the same id and the venue deduplicates the placement.
type LiveExecutor struct {
	venue     domain.VenueAPI
	orders    *OrderRepository
	lifecycle *Manager
	cfg       LiveConfig
	log       zerolog.Logger

	backoff func(attempt int) time.Duration
}

func NewLiveExecutor(venue domain.VenueAPI, orders *OrderRepository, lifecycle *Manager, cfg LiveConfig, log zerolog.Logger) *LiveExecutor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.FillInterval <= 0 {
		cfg.FillInterval = time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 8 * time.Second
	}
	return &LiveExecutor{
		venue:     venue,
		orders:    orders,
		lifecycle: lifecycle,
		cfg:       cfg,
		log:       log.With().Str("component", "executor").Str("mode", "live").Logger(),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}
}

// Submit persists, places, and (optionally) polls the order to a fill.
// A venue rejection transitions the order to REJECTED and returns it with
// a nil error; an exhausted transient failure leaves the order NEW for the
// order-sync loop to settle and reports the error.
func (e *LiveExecutor) Submit(ctx context.Context, intent Intent) (*Order, error) {
	posSide := domain.PositionSide("")
	if e.cfg.PosMode == "long_short" {
		posSide = positionSideFor(intent.Side, "", intent.ReduceOnly)
	}

	order := &Order{
		ClientOrderID: newClientOrderID(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Amount:        intent.Amount,
		Filled:        decimal.Zero,
		Leverage:      intent.Leverage,
		Status:        domain.OrderStatusNew,
		TimeInForce:   intent.TimeInForce,
		PosSide:       posSide,
		ReduceOnly:    intent.ReduceOnly,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFGTC
	}
	if err := e.orders.Insert(order); err != nil {
		return nil, err
	}

	req := domain.OrderRequest{
		Symbol:        intent.Symbol,
		ClientOrderID: order.ClientOrderID,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Amount:        intent.Amount,
		Leverage:      intent.Leverage,
		PosSide:       posSide,
		TDMode:        e.cfg.TDMode,
		ReduceOnly:    intent.ReduceOnly,
		TimeInForce:   order.TimeInForce,
	}

	ack, err := e.submitWithRetry(ctx, req)
	if err != nil {
		if okx.IsTransient(err) {
			// The venue may still have accepted the placement; keep the
			// order NEW and let the order-sync loop settle it.
			e.log.Warn().Err(err).
				Str("client_order_id", order.ClientOrderID).
				Msg("Order placement uncertain after retries")
			return order, fmt.Errorf("order %s placement uncertain: %w", order.ClientOrderID, err)
		}
		if applyErr := e.lifecycle.Apply(order, domain.OrderStatusRejected, EventDetail{
			ExchangeStatus: "rejected",
			Message:        fmt.Sprintf("venue rejected order: %v", err),
		}); applyErr != nil {
			return order, applyErr
		}
		return order, nil
	}

	if ack.ExchangeOrderID != "" {
		if err := e.orders.SetExchangeID(order.ClientOrderID, ack.ExchangeOrderID); err != nil {
			return order, err
		}
		order.ExchangeOrderID = ack.ExchangeOrderID
	}
	if err := e.lifecycle.Apply(order, domain.OrderStatusAccepted, EventDetail{
		ExchangeStatus: string(ack.Status),
		Message:        intent.Reason,
	}); err != nil {
		return order, err
	}

	if !e.cfg.WaitFill {
		return order, nil
	}
	if err := e.waitForFill(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

func (e *LiveExecutor) submitWithRetry(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.backoff(attempt)
			e.log.Warn().Err(lastErr).
				Str("client_order_id", req.ClientOrderID).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("Order submit failed, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		ack, err := e.venue.SubmitOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !okx.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

// waitForFill polls the venue until the order is terminal or the timeout
// lapses. On timeout an IOC remainder is canceled; GTC orders stay open
// for the order-sync loop.
func (e *LiveExecutor) waitForFill(ctx context.Context, order *Order) error {
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if order.TimeInForce == domain.TIFIOC && !order.Status.Terminal() {
				e.log.Info().
					Str("client_order_id", order.ClientOrderID).
					Msg("Fill timeout, canceling IOC remainder")
				return e.Cancel(ctx, order.ClientOrderID)
			}
			return nil
		case <-ticker.C:
			state, err := e.venue.FetchOrder(ctx, order.Symbol, order.ExchangeOrderID, order.ClientOrderID)
			if err != nil {
				e.log.Warn().Err(err).
					Str("client_order_id", order.ClientOrderID).
					Msg("Fill poll failed")
				continue
			}
			if _, err := ApplyVenueState(e.lifecycle, order, state, "fill_poll"); err != nil {
				return err
			}
			if order.Status.Terminal() {
				return nil
			}
		}
	}
}

// Cancel requests a venue-side cancel and records the local transition.
func (e *LiveExecutor) Cancel(ctx context.Context, clientOrderID string) error {
	order, err := e.orders.GetByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s: %w: %s -> %s", clientOrderID, ErrInvalidTransition, order.Status, domain.OrderStatusCanceled)
	}
	if err := e.venue.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID, order.ClientOrderID); err != nil {
		return fmt.Errorf("venue cancel failed for %s: %w", clientOrderID, err)
	}
	return e.lifecycle.Apply(order, domain.OrderStatusCanceled, EventDetail{
		ExchangeStatus: "canceled",
		Message:        "cancel requested",
	})
}

var _ Executor = (*LiveExecutor)(nil)
