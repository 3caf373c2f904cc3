package execution

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

// Slippage model names.
const (
	SlippageFixed      = "fixed_bps"
	SlippageVolScaled  = "vol_scaled"
	SlippageSizeImpact = "size_impact"
)

// Slippage parameterizes the adverse price adjustment of simulated fills.
// The zero value applies no slippage.
type Slippage struct {
	Model   string
	BaseBps float64
	// ATRRef is the ATR fraction (ATR/price) at which vol_scaled applies
	// exactly BaseBps. Calmer markets slip less, wilder ones more.
	ATRRef float64
	// NotionalRef is the order notional at which size_impact applies
	// exactly BaseBps; cost grows with the square root of size.
	NotionalRef float64
}

// Validate rejects unknown model names. An empty model means no slippage.
func (s Slippage) Validate() error {
	switch s.Model {
	case "", SlippageFixed, SlippageVolScaled, SlippageSizeImpact:
		return nil
	}
	return fmt.Errorf("unknown slippage model %q", s.Model)
}

// SlipBps returns the slippage for one fill in basis points. atrPct is the
// current ATR as a fraction of price; notional is the order's quote value.
func (s Slippage) SlipBps(atrPct, notional float64) float64 {
	switch s.Model {
	case SlippageVolScaled:
		if s.ATRRef <= 0 || atrPct <= 0 {
			return s.BaseBps
		}
		return s.BaseBps * atrPct / s.ATRRef
	case SlippageSizeImpact:
		if s.NotionalRef <= 0 || notional <= 0 {
			return s.BaseBps
		}
		return s.BaseBps * math.Sqrt(notional/s.NotionalRef)
	case SlippageFixed:
		return s.BaseBps
	}
	return 0
}

// FillPrice applies slipBps adversely: buys fill above the reference
// price, sells below.
func FillPrice(ref decimal.Decimal, side domain.Side, slipBps float64) decimal.Decimal {
	if slipBps == 0 {
		return ref
	}
	adj := decimal.NewFromFloat(slipBps / 10000)
	if side == domain.SideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(adj))
}
