package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// ApplyVenueState advances a local order to the venue-reported state,
// bridging statuses the venue skipped ahead of and recording the
// incremental fill since the last observation. source annotates the
// lifecycle message so polled and reconciled updates stay tellable apart.
// Returns true when the order changed.
func ApplyVenueState(lifecycle *Manager, order *Order, state *domain.OrderState, source string) (bool, error) {
	deltaQty := state.FilledQty.Sub(order.Filled)
	if deltaQty.IsNegative() {
		deltaQty = decimal.Zero
	}

	steps, err := BridgeTo(order.Status, state.Status)
	if err != nil {
		return false, fmt.Errorf("venue state for %s: %w", order.ClientOrderID, err)
	}
	if len(steps) == 0 && deltaQty.IsZero() {
		return false, nil
	}
	if len(steps) == 0 {
		// Quantity moved but the status did not (more partial fills).
		target := state.Status
		if target == domain.OrderStatusAccepted {
			target = domain.OrderStatusPartiallyFilled
		}
		steps = []domain.OrderStatus{target}
	}

	detail := EventDetail{
		ExchangeStatus: string(state.Status),
		Message:        fmt.Sprintf("venue update via %s", source),
		RawPayload:     state.Raw,
	}
	if deltaQty.IsPositive() {
		detail.FillQty = deltaQty
		detail.FillPrice = state.AvgPrice
		detail.Fee = feeDelta(lifecycle, order, state.Fee)
		detail.FeeCurrency = state.FeeCurrency
	}
	if err := lifecycle.ApplySequence(order, steps, detail); err != nil {
		return false, err
	}
	return true, nil
}

// feeDelta subtracts the fees already recorded on the order's fill events
// from the venue's cumulative figure, so repeated polls never double-book.
func feeDelta(lifecycle *Manager, order *Order, cumulative decimal.Decimal) decimal.Decimal {
	if cumulative.IsZero() {
		return decimal.Zero
	}
	events, err := lifecycle.Events(order.ID)
	if err != nil {
		return cumulative
	}
	recorded := decimal.Zero
	for _, e := range events {
		recorded = recorded.Add(e.Fee)
	}
	delta := cumulative.Sub(recorded)
	if delta.IsNegative() {
		return decimal.Zero
	}
	return delta
}
