package execution

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
)

func newTestAllocator() *Allocator {
	return NewAllocator(AllocatorConfig{DiffThresholdBps: 50, MinNotional: 100}, zerolog.Nop())
}

func basePlan() PlanRequest {
	return PlanRequest{
		Symbol:   "BTC-USDT-SWAP",
		Equity:   10000,
		Price:    50000,
		Leverage: 2,
		ATRPct:   0.02,
		Reason:   "scheduler rebalance",
	}
}

func TestPlanHoldsUnderThreshold(t *testing.T) {
	a := newTestAllocator()

	// 50 bps of 10k equity is a 50 USDT deadband; a 40 USDT delta holds.
	req := basePlan()
	req.TargetPosition = 0.004 // 40 USDT
	assert.Empty(t, a.Plan(req))
}

func TestPlanHoldsUnderMinNotional(t *testing.T) {
	a := newTestAllocator()

	// Clears the 50 USDT deadband but not the 100 USDT floor.
	req := basePlan()
	req.TargetPosition = 0.008 // 80 USDT
	assert.Empty(t, a.Plan(req))
}

func TestPlanOpensLong(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.TargetPosition = 0.5 // 5000 USDT
	intents := a.Plan(req)
	require.Len(t, intents, 1)

	in := intents[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, domain.OrderTypeMarket, in.Type)
	assert.False(t, in.ReduceOnly)
	assert.True(t, in.Amount.Equal(decimal.NewFromFloat(0.1)), "amount %s", in.Amount)
	assert.True(t, in.RefPrice.Equal(decimal.NewFromInt(50000)))
	assert.InDelta(t, 0.02, in.ATRPct, 1e-12)
	assert.InDelta(t, 2.0, in.Leverage, 1e-12)
}

func TestPlanAddsToExistingLong(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.NetSize = 0.05 // 2500 USDT long
	req.TargetPosition = 0.5
	intents := a.Plan(req)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.False(t, intents[0].ReduceOnly)
	assert.True(t, intents[0].Amount.Equal(decimal.NewFromFloat(0.05)), "amount %s", intents[0].Amount)
}

func TestPlanReducesLong(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.NetSize = 0.1 // 5000 USDT long
	req.TargetPosition = 0.25
	intents := a.Plan(req)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.True(t, intents[0].ReduceOnly, "shrinking the same side is a reduce-only order")
	assert.True(t, intents[0].Amount.Equal(decimal.NewFromFloat(0.05)), "amount %s", intents[0].Amount)
}

func TestPlanFullClose(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.NetSize = 0.1
	req.TargetPosition = 0
	intents := a.Plan(req)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.True(t, intents[0].ReduceOnly)
	assert.True(t, intents[0].Amount.Equal(decimal.NewFromFloat(0.1)))
}

func TestPlanSignFlipClosesFirst(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.NetSize = 0.1 // 5000 USDT long
	req.TargetPosition = -0.3
	intents := a.Plan(req)
	require.Len(t, intents, 2)

	closeLeg := intents[0]
	assert.Equal(t, domain.SideSell, closeLeg.Side)
	assert.True(t, closeLeg.ReduceOnly)
	assert.True(t, closeLeg.Amount.Equal(decimal.NewFromFloat(0.1)), "close leg flattens the whole position, got %s", closeLeg.Amount)

	openLeg := intents[1]
	assert.Equal(t, domain.SideSell, openLeg.Side)
	assert.False(t, openLeg.ReduceOnly)
	assert.True(t, openLeg.Amount.Equal(decimal.NewFromFloat(0.06)), "open leg sized from target notional, got %s", openLeg.Amount)
}

func TestPlanSignFlipShortToLong(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.NetSize = -0.04 // 2000 USDT short
	req.TargetPosition = 0.2
	intents := a.Plan(req)
	require.Len(t, intents, 2)

	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.True(t, intents[0].ReduceOnly)
	assert.True(t, intents[0].Amount.Equal(decimal.NewFromFloat(0.04)))

	assert.Equal(t, domain.SideBuy, intents[1].Side)
	assert.False(t, intents[1].ReduceOnly)
	assert.True(t, intents[1].Amount.Equal(decimal.NewFromFloat(0.04)))
}

func TestPlanSignFlipWithTinyTargetOnlyCloses(t *testing.T) {
	a := newTestAllocator()

	// Target short of 50 USDT is under the 100 USDT floor: flatten only.
	req := basePlan()
	req.NetSize = 0.1
	req.TargetPosition = -0.005
	intents := a.Plan(req)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].ReduceOnly)
	assert.Equal(t, domain.SideSell, intents[0].Side)
}

func TestPlanRejectsDegenerateInputs(t *testing.T) {
	a := newTestAllocator()

	req := basePlan()
	req.TargetPosition = 0.5
	req.Equity = 0
	assert.Empty(t, a.Plan(req))

	req = basePlan()
	req.TargetPosition = 0.5
	req.Price = 0
	assert.Empty(t, a.Plan(req))
}
