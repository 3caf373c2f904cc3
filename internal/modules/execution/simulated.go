package execution

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// newClientOrderID returns a venue-safe id: 32 hex characters, no dashes.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SimulatedConfig controls paper fills. JitterBps adds uniform noise drawn
// from the seeded generator on top of the slippage model; zero keeps fills
// fully deterministic.
type SimulatedConfig struct {
	Slippage    Slippage
	FeeRate     float64
	FeeCurrency string
	JitterBps   float64
	Seed        int64
}

// SimulatedExecutor fills every order instantly at the intent's reference
// price adjusted by the slippage model. Orders persist through the same
// repositories and lifecycle manager as live ones; only the venue is fake.
type SimulatedExecutor struct {
	orders    *OrderRepository
	lifecycle *Manager
	cfg       SimulatedConfig
	log       zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedExecutor(orders *OrderRepository, lifecycle *Manager, cfg SimulatedConfig, log zerolog.Logger) *SimulatedExecutor {
	if cfg.FeeCurrency == "" {
		cfg.FeeCurrency = "USDT"
	}
	return &SimulatedExecutor{
		orders:    orders,
		lifecycle: lifecycle,
		cfg:       cfg,
		log:       log.With().Str("component", "executor").Str("mode", "simulated").Logger(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Submit persists the order, acknowledges it, and fills it in one pass.
// An intent without a usable price is rejected, not errored: the order
// row and its lifecycle survive as the audit trail.
func (s *SimulatedExecutor) Submit(ctx context.Context, intent Intent) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := newClientOrderID()
	order := &Order{
		ClientOrderID:   id,
		ExchangeOrderID: "SIM-" + id,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Type:            intent.Type,
		Price:           intent.Price,
		Amount:          intent.Amount,
		Filled:          decimal.Zero,
		Leverage:        intent.Leverage,
		Status:          domain.OrderStatusNew,
		TimeInForce:     intent.TimeInForce,
		PosSide:         positionSideFor(intent.Side, "", intent.ReduceOnly),
		ReduceOnly:      intent.ReduceOnly,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFGTC
	}
	if err := s.orders.Insert(order); err != nil {
		return nil, err
	}

	if err := s.lifecycle.Apply(order, domain.OrderStatusAccepted, EventDetail{
		ExchangeStatus: "sim_accepted",
		Message:        intent.Reason,
	}); err != nil {
		return order, err
	}

	ref := intent.RefPrice
	if intent.Type == domain.OrderTypeLimit && !intent.Price.IsZero() {
		ref = intent.Price
	}
	if ref.IsZero() {
		if err := s.lifecycle.Apply(order, domain.OrderStatusRejected, EventDetail{
			ExchangeStatus: "sim_rejected",
			Message:        "no reference price for simulated fill",
		}); err != nil {
			return order, err
		}
		return order, nil
	}

	notional, _ := ref.Mul(intent.Amount).Float64()
	bps := s.cfg.Slippage.SlipBps(intent.ATRPct, notional)
	if s.cfg.JitterBps > 0 {
		s.mu.Lock()
		bps += s.rng.Float64() * s.cfg.JitterBps
		s.mu.Unlock()
	}
	fillPrice := FillPrice(ref, intent.Side, bps)
	fee := fillPrice.Mul(intent.Amount).Mul(decimal.NewFromFloat(s.cfg.FeeRate))

	if err := s.lifecycle.Apply(order, domain.OrderStatusFilled, EventDetail{
		ExchangeStatus: "sim_filled",
		FillQty:        intent.Amount,
		FillPrice:      fillPrice,
		Fee:            fee,
		FeeCurrency:    s.cfg.FeeCurrency,
	}); err != nil {
		return order, err
	}

	s.log.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("side", string(order.Side)).
		Str("amount", order.Amount.String()).
		Str("fill_price", fillPrice.String()).
		Float64("slip_bps", bps).
		Msg("Simulated fill")
	return order, nil
}

// Cancel transitions a live order to CANCELED. Instant fills mean there is
// rarely anything left to cancel; terminal orders return the transition
// error.
func (s *SimulatedExecutor) Cancel(ctx context.Context, clientOrderID string) error {
	order, err := s.orders.GetByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	return s.lifecycle.Apply(order, domain.OrderStatusCanceled, EventDetail{
		ExchangeStatus: "sim_canceled",
		Message:        "cancel requested",
	})
}

var _ Executor = (*SimulatedExecutor)(nil)
