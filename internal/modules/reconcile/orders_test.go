package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/execution"
)

func (f *syncFixture) orderSyncer(grace time.Duration) *OrderSyncer {
	return NewOrderSyncer(
		OrderConfig{Symbol: testSymbol, Grace: grace},
		f.venue, f.orders, f.lifecycle, zerolog.Nop(),
	)
}

var orderSeq int

// placeOrder persists a local order and optionally registers it at the
// venue, mirroring what the live executor does on a clean placement.
func placeOrder(t *testing.T, f *syncFixture, atVenue bool) *execution.Order {
	t.Helper()
	orderSeq++
	order := &execution.Order{
		ClientOrderID: fmt.Sprintf("co-%d", orderSeq),
		Symbol:        testSymbol,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		Price:         dec("49000"),
		Amount:        dec("0.1"),
		Filled:        decimal.Zero,
		Leverage:      2,
		Status:        domain.OrderStatusNew,
		TimeInForce:   domain.TIFGTC,
	}
	require.NoError(t, f.orders.Insert(order))
	if !atVenue {
		return order
	}

	ack, err := f.venue.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:        testSymbol,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Amount:        order.Amount,
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.SetExchangeID(order.ClientOrderID, ack.ExchangeOrderID))
	order.ExchangeOrderID = ack.ExchangeOrderID
	require.NoError(t, f.lifecycle.Apply(order, domain.OrderStatusAccepted, execution.EventDetail{
		ExchangeStatus: "live",
	}))
	return order
}

func TestOrderSyncCatchesUpFill(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, true)
	require.NoError(t, f.venue.Fill(order.ClientOrderID, dec("0.1"), dec("50010"), dec("2.5")))

	updated, err := f.orderSyncer(0).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.Filled.Equal(dec("0.1")))

	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(dec("50010")))

	events, err := f.lifecycle.Events(order.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.OrderStatusFilled, last.Status)
	assert.Equal(t, "venue update via reconciliation", last.Message)
}

func TestOrderSyncBridgesPartialFills(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, true)
	syncer := f.orderSyncer(0)

	require.NoError(t, f.venue.Fill(order.ClientOrderID, dec("0.04"), dec("50000"), dec("1")))
	_, err := syncer.Sync(context.Background())
	require.NoError(t, err)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, stored.Status)

	require.NoError(t, f.venue.Fill(order.ClientOrderID, dec("0.06"), dec("50020"), dec("1.5")))
	_, err = syncer.Sync(context.Background())
	require.NoError(t, err)

	stored, err = f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.Filled.Equal(dec("0.1")))

	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	total := trades[0].Amount.Add(trades[1].Amount)
	assert.True(t, total.Equal(stored.Filled), "trade quantities sum to the fill")
}

func TestOrderSyncAnnotatesVenueCancel(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, true)
	require.NoError(t, f.venue.ForceState(order.ClientOrderID, domain.OrderStatusCanceled))

	updated, err := f.orderSyncer(0).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, stored.Status)

	events, err := f.lifecycle.Events(order.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.OrderStatusCanceled, last.Status)
	assert.Contains(t, last.RawPayload, `"source":"reconciliation"`)
}

func TestOrderSyncRecoversLostAck(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, false)

	// The venue took the placement but the ack never made it back.
	_, err := f.venue.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:        testSymbol,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Amount:        order.Amount,
	})
	require.NoError(t, err)

	updated, err := f.orderSyncer(0).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ExchangeOrderID, "exchange id recovered from the venue")
	assert.Equal(t, domain.OrderStatusAccepted, stored.Status)
}

func TestOrderSyncExpiresAfterGrace(t *testing.T) {
	f := newSyncFixture(t)
	orderSeq++
	order := &execution.Order{
		ClientOrderID: fmt.Sprintf("co-%d", orderSeq),
		Symbol:        testSymbol,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Amount:        dec("0.1"),
		Filled:        decimal.Zero,
		Leverage:      2,
		Status:        domain.OrderStatusNew,
		TimeInForce:   domain.TIFGTC,
		CreatedAt:     time.Now().UTC().Add(-2 * time.Minute).UnixMilli(),
	}
	require.NoError(t, f.orders.Insert(order))

	updated, err := f.orderSyncer(time.Minute).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExpired, stored.Status)

	events, err := f.lifecycle.Events(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].RawPayload, `"source":"reconciliation"`)
}

func TestOrderSyncToleratesMissingOrderWithinGrace(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, false)

	updated, err := f.orderSyncer(time.Minute).Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, stored.Status, "fresh placements are left alone")
}

func TestOrderSyncSkipsOrderOnTransientError(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, true)
	f.venue.SetError("FetchOrder", okx.ErrUnavailable)

	updated, err := f.orderSyncer(0).Sync(context.Background())
	require.NoError(t, err, "a flaky venue does not fail the pass")
	assert.Zero(t, updated)

	stored, err := f.orders.GetByClientID(order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, stored.Status)
}

func TestOrderSyncIgnoresTerminalOrders(t *testing.T) {
	f := newSyncFixture(t)
	order := placeOrder(t, f, true)
	require.NoError(t, f.venue.Fill(order.ClientOrderID, dec("0.1"), dec("50010"), dec("2.5")))

	syncer := f.orderSyncer(0)
	_, err := syncer.Sync(context.Background())
	require.NoError(t, err)

	// Second pass sees no open orders and touches nothing.
	updated, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Equal(t, 1, f.venue.Calls("FetchOrder"))
}
