package execution

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
)

func newSimulated(t *testing.T, cfg SimulatedConfig) (*SimulatedExecutor, *execFixture) {
	t.Helper()
	f := newExecFixture(t)
	return NewSimulatedExecutor(f.orders, f.lifecycle, cfg, zerolog.Nop()), f
}

func marketIntent(amount, refPrice string) Intent {
	return Intent{
		Symbol:   testSymbol,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Amount:   decimal.RequireFromString(amount),
		Leverage: 2,
		RefPrice: decimal.RequireFromString(refPrice),
		ATRPct:   0.02,
		Reason:   "test intent",
	}
}

func TestSimulatedSubmitFillsInstantly(t *testing.T) {
	exec, f := newSimulated(t, SimulatedConfig{
		Slippage: Slippage{Model: SlippageFixed, BaseBps: 10},
		FeeRate:  0.0005,
	})

	order, err := exec.Submit(context.Background(), marketIntent("0.1", "50000"))
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Len(t, order.ClientOrderID, 32)
	assert.Equal(t, "SIM-"+order.ClientOrderID, order.ExchangeOrderID)
	assert.True(t, order.Filled.Equal(order.Amount))

	events, err := f.lifecycle.Events(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderStatusAccepted, events[0].Status)
	assert.Equal(t, domain.OrderStatusFilled, events[1].Status)

	// 10 bps over 50000 on a buy.
	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(50050)), "fill price %s", trades[0].Price)

	wantFee := decimal.NewFromInt(50050).Mul(decimal.RequireFromString("0.1")).Mul(decimal.RequireFromString("0.0005"))
	assert.True(t, trades[0].Fee.Equal(wantFee), "fee %s want %s", trades[0].Fee, wantFee)
	assert.Equal(t, "USDT", trades[0].FeeCurrency)

	pos, err := f.positions.Get(testSymbol, domain.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.1")))
}

func TestSimulatedSellSlipsDown(t *testing.T) {
	exec, f := newSimulated(t, SimulatedConfig{
		Slippage: Slippage{Model: SlippageFixed, BaseBps: 10},
	})

	intent := marketIntent("0.1", "50000")
	intent.Side = domain.SideSell
	order, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)

	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(49950)), "fill price %s", trades[0].Price)
}

func TestSimulatedLimitFillsAtLimit(t *testing.T) {
	exec, f := newSimulated(t, SimulatedConfig{})

	intent := marketIntent("0.1", "50000")
	intent.Type = domain.OrderTypeLimit
	intent.Price = decimal.NewFromInt(49500)
	order, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)

	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(49500)))
}

func TestSimulatedRejectsWithoutReferencePrice(t *testing.T) {
	exec, f := newSimulated(t, SimulatedConfig{})

	intent := marketIntent("0.1", "50000")
	intent.RefPrice = decimal.Zero
	order, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err, "a rejection is an outcome, not an error")
	assert.Equal(t, domain.OrderStatusRejected, order.Status)

	trades, err := f.trades.ListByOrder(order.ID)
	require.NoError(t, err)
	assert.Empty(t, trades)

	events, err := f.lifecycle.Events(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderStatusRejected, events[1].Status)
}

func TestSimulatedJitterDeterministicPerSeed(t *testing.T) {
	cfg := SimulatedConfig{
		Slippage:  Slippage{Model: SlippageFixed, BaseBps: 5},
		JitterBps: 3,
		Seed:      42,
	}

	runOnce := func() []decimal.Decimal {
		exec, f := newSimulated(t, cfg)
		var prices []decimal.Decimal
		for i := 0; i < 3; i++ {
			order, err := exec.Submit(context.Background(), marketIntent("0.1", "50000"))
			require.NoError(t, err)
			trades, err := f.trades.ListByOrder(order.ID)
			require.NoError(t, err)
			require.Len(t, trades, 1)
			prices = append(prices, trades[0].Price)
		}
		return prices
	}

	first, second := runOnce(), runOnce()
	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].Equal(second[i]), "fill %d: %s vs %s", i, first[i], second[i])
	}
}

func TestSimulatedCancel(t *testing.T) {
	exec, _ := newSimulated(t, SimulatedConfig{})

	order, err := exec.Submit(context.Background(), marketIntent("0.1", "50000"))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, order.Status)

	// Instant fills leave nothing to cancel.
	err = exec.Cancel(context.Background(), order.ClientOrderID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Error(t, exec.Cancel(context.Background(), "missing"))
}

func TestSimulatedSubmitHonorsContext(t *testing.T) {
	exec, _ := newSimulated(t, SimulatedConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Submit(ctx, marketIntent("0.1", "50000"))
	assert.ErrorIs(t, err, context.Canceled)
}
