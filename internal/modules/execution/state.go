// Package execution places child orders, records their lifecycle, and
// keeps the local position and trade books consistent with every fill.
package execution

import (
	"errors"
	"fmt"

	"github.com/meridianq/perpcore/internal/domain"
)

// ErrInvalidTransition is returned for any order status change the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid order status transition")

// legal holds every allowed edge. Terminal statuses have no entry: nothing
// leaves them. PARTIALLY_FILLED self-loops so repeated partial fills each
// produce an event.
var legal = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderStatusNew: {
		domain.OrderStatusAccepted: true,
		domain.OrderStatusCanceled: true,
		domain.OrderStatusRejected: true,
		domain.OrderStatusExpired:  true,
	},
	domain.OrderStatusAccepted: {
		domain.OrderStatusPartiallyFilled: true,
		domain.OrderStatusFilled:          true,
		domain.OrderStatusCanceled:        true,
		domain.OrderStatusRejected:        true,
		domain.OrderStatusExpired:         true,
	},
	domain.OrderStatusPartiallyFilled: {
		domain.OrderStatusPartiallyFilled: true,
		domain.OrderStatusFilled:          true,
		domain.OrderStatusCanceled:        true,
		domain.OrderStatusExpired:         true,
	},
}

// Transition validates one status change.
func Transition(from, to domain.OrderStatus) error {
	if legal[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// BridgeTo returns the status sequence that legally advances an order from
// its local status to a venue-reported one, inserting ACCEPTED where the
// venue skipped ahead of what we observed. An empty sequence means the
// order is already there.
func BridgeTo(from, to domain.OrderStatus) ([]domain.OrderStatus, error) {
	if from == to {
		return nil, nil
	}
	if err := Transition(from, to); err == nil {
		return []domain.OrderStatus{to}, nil
	}
	if from == domain.OrderStatusNew {
		if err := Transition(domain.OrderStatusAccepted, to); err == nil {
			return []domain.OrderStatus{domain.OrderStatusAccepted, to}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
