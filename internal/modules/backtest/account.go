package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// account is the in-memory margin account a replay trades against. Cash
// settles fees, realized pnl, and funding; the position is one signed
// base-asset size with a volume-weighted entry, mirroring the live
// position book.
type account struct {
	cash  decimal.Decimal
	size  decimal.Decimal // signed, positive long
	entry decimal.Decimal // zero when flat

	funding  decimal.Decimal
	realized []realizedMark
}

// realizedMark is one realized-pnl observation, kept for the risk gate's
// daily-loss and cooldown rules.
type realizedMark struct {
	ts  int64
	pnl float64
}

func newAccount(capital decimal.Decimal) *account {
	return &account{cash: capital}
}

func (a *account) flat() bool {
	return a.size.IsZero()
}

// side returns the direction of the open position.
func (a *account) side() domain.PositionSide {
	switch {
	case a.size.IsPositive():
		return domain.PositionLong
	case a.size.IsNegative():
		return domain.PositionShort
	}
	return domain.PositionFlat
}

// equity marks the account at the given price: cash plus unrealized pnl.
func (a *account) equity(price float64) decimal.Decimal {
	if a.size.IsZero() {
		return a.cash
	}
	p := decimal.NewFromFloat(price)
	return a.cash.Add(a.size.Mul(p.Sub(a.entry)))
}

// applyFill moves the position for one fill and settles the fee. Reducing
// realizes pnl against the entry; opening re-weights the entry; a fill
// larger than the open position closes it and opens the remainder on the
// other side. StrategyID and Reason are left for the caller.
func (a *account) applyFill(ts int64, side domain.Side, qty, price, fee decimal.Decimal) Trade {
	t := Trade{
		Ts:     ts,
		Side:   side,
		Price:  price,
		Amount: qty,
		Fee:    fee,
	}

	signed := qty
	if side == domain.SideSell {
		signed = qty.Neg()
	}

	reducing := !a.size.IsZero() && a.size.Sign() != signed.Sign()
	if !reducing {
		if a.size.IsZero() {
			t.Action = ActionOpen
		} else {
			t.Action = ActionAdd
		}
		newSize := a.size.Add(signed)
		notional := a.entry.Mul(a.size.Abs()).Add(price.Mul(qty))
		a.entry = notional.Div(newSize.Abs())
		a.size = newSize
		a.cash = a.cash.Sub(fee)
		return t
	}

	closed := decimal.Min(qty, a.size.Abs())
	diff := price.Sub(a.entry)
	if a.size.IsNegative() {
		diff = diff.Neg()
	}
	pnl := diff.Mul(closed)
	a.cash = a.cash.Add(pnl).Sub(fee)

	t.RealizedPnL = decimal.NullDecimal{Decimal: pnl, Valid: true}
	if entryNotional := a.entry.Mul(closed); entryNotional.IsPositive() {
		t.ReturnPct, _ = pnl.Div(entryNotional).Float64()
	}
	a.realized = append(a.realized, realizedMark{ts: ts, pnl: pnlFloat(pnl)})

	remainder := qty.Sub(closed)
	a.size = a.size.Add(signed)
	switch {
	case a.size.IsZero():
		t.Action = ActionClose
		a.entry = decimal.Zero
	case remainder.IsPositive():
		// Crossed through zero: the remainder opens the other side.
		t.Action = ActionFlip
		a.entry = price
	default:
		t.Action = ActionReduce
	}
	return t
}

// accrueFunding settles one funding interval at the given rate and mark
// price. Longs pay a positive rate, shorts receive it. Returns the signed
// cash delta.
func (a *account) accrueFunding(ts int64, rate, price float64) decimal.Decimal {
	if a.size.IsZero() || rate == 0 {
		return decimal.Zero
	}
	payment := decimal.NewFromFloat(rate).Neg().
		Mul(a.size).
		Mul(decimal.NewFromFloat(price))
	a.cash = a.cash.Add(payment)
	a.funding = a.funding.Add(payment)
	return payment
}

// positionPoint snapshots the position for the trace, marked at price.
func (a *account) positionPoint(ts int64, price float64) PositionPoint {
	return PositionPoint{
		Ts:         ts,
		PosSide:    a.side(),
		Size:       a.size.Abs(),
		EntryPrice: a.entry,
		Equity:     a.equity(price),
	}
}

// ActivePosition reports the open side. The account holds one market, so
// the symbol is ignored.
func (a *account) ActivePosition(string) (domain.PositionSide, error) {
	return a.side(), nil
}

// RealizedPnLSince sums realized pnl at or after sinceMs.
func (a *account) RealizedPnLSince(_ string, sinceMs int64) (float64, error) {
	var sum float64
	for _, m := range a.realized {
		if m.ts >= sinceMs {
			sum += m.pnl
		}
	}
	return sum, nil
}

// LossStreak counts consecutive losing realizations walking back from the
// newest, and returns the newest timestamp of that run.
func (a *account) LossStreak(string) (int, int64, error) {
	streak := 0
	var lastTs int64
	for i := len(a.realized) - 1; i >= 0; i-- {
		if a.realized[i].pnl >= 0 {
			break
		}
		if streak == 0 {
			lastTs = a.realized[i].ts
		}
		streak++
	}
	return streak, lastTs, nil
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
