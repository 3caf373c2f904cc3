package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
)

func TestTransitionLegalEdges(t *testing.T) {
	legal := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusNew, domain.OrderStatusAccepted},
		{domain.OrderStatusNew, domain.OrderStatusCanceled},
		{domain.OrderStatusNew, domain.OrderStatusRejected},
		{domain.OrderStatusNew, domain.OrderStatusExpired},
		{domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusAccepted, domain.OrderStatusFilled},
		{domain.OrderStatusAccepted, domain.OrderStatusCanceled},
		{domain.OrderStatusAccepted, domain.OrderStatusRejected},
		{domain.OrderStatusAccepted, domain.OrderStatusExpired},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusCanceled},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusExpired},
	}
	for _, tc := range legal {
		assert.NoError(t, Transition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []domain.OrderStatus{
		domain.OrderStatusFilled,
		domain.OrderStatusCanceled,
		domain.OrderStatusRejected,
		domain.OrderStatusExpired,
	}
	all := append([]domain.OrderStatus{
		domain.OrderStatusNew,
		domain.OrderStatusAccepted,
		domain.OrderStatusPartiallyFilled,
	}, terminals...)

	for _, from := range terminals {
		for _, to := range all {
			err := Transition(from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestTransitionRejectsSkips(t *testing.T) {
	assert.ErrorIs(t, Transition(domain.OrderStatusNew, domain.OrderStatusFilled), ErrInvalidTransition)
	assert.ErrorIs(t, Transition(domain.OrderStatusNew, domain.OrderStatusPartiallyFilled), ErrInvalidTransition)
	assert.ErrorIs(t, Transition(domain.OrderStatusPartiallyFilled, domain.OrderStatusRejected), ErrInvalidTransition)
}

func TestBridgeToSameStatus(t *testing.T) {
	steps, err := BridgeTo(domain.OrderStatusAccepted, domain.OrderStatusAccepted)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestBridgeToDirect(t *testing.T) {
	steps, err := BridgeTo(domain.OrderStatusAccepted, domain.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusFilled}, steps)
}

func TestBridgeToInsertsAccepted(t *testing.T) {
	steps, err := BridgeTo(domain.OrderStatusNew, domain.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusFilled}, steps)

	steps, err = BridgeTo(domain.OrderStatusNew, domain.OrderStatusPartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled}, steps)
}

func TestBridgeToRejectsLeavingTerminal(t *testing.T) {
	_, err := BridgeTo(domain.OrderStatusFilled, domain.OrderStatusCanceled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
