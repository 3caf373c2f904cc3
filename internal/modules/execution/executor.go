package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// Intent is one child order handed to an executor, already vetted by the
// risk gate. RefPrice carries the decision-time reference price used for
// notional math and simulated fills; ATRPct feeds the vol-scaled slippage
// model.
type Intent struct {
	Symbol      string
	Side        domain.Side
	Type        domain.OrderType
	Price       decimal.Decimal // limit price, zero for market orders
	Amount      decimal.Decimal
	Leverage    float64
	ReduceOnly  bool
	TimeInForce domain.TimeInForce
	RefPrice    decimal.Decimal
	ATRPct      float64
	Reason      string
}

// Notional is the intent's quote value at the reference price.
func (i Intent) Notional() decimal.Decimal {
	ref := i.RefPrice
	if ref.IsZero() {
		ref = i.Price
	}
	return ref.Mul(i.Amount)
}

// Executor places child orders. Submit persists the order before any
// network traffic and returns it in its final observed state; callers
// inspect Status rather than treating an error as the only failure path.
type Executor interface {
	Submit(ctx context.Context, intent Intent) (*Order, error)
	Cancel(ctx context.Context, clientOrderID string) error
}
