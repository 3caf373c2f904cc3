package backtest

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/meridianq/perpcore/internal/domain"
)

// Metrics summarizes a finished run. Return figures are ratios unless the
// name says Pct; ProfitFactor and PayoffRatio are nil when undefined (no
// losing trades, or no wins to compare against).
type Metrics struct {
	TotalReturn     float64  `json:"total_return"`
	TotalReturnPct  float64  `json:"total_return_pct"`
	CAGR            float64  `json:"cagr"`
	MaxDrawdown     float64  `json:"max_drawdown"`
	MaxDrawdownBars int      `json:"max_drawdown_bars"`
	Sharpe          float64  `json:"sharpe"`
	Sortino         float64  `json:"sortino"`
	Calmar          float64  `json:"calmar"`
	WinRate         float64  `json:"win_rate"`
	ProfitFactor    *float64 `json:"profit_factor"`
	PayoffRatio     *float64 `json:"payoff_ratio"`
	Trades          int      `json:"trades"`
	Wins            int      `json:"wins"`
	FundingPnL      float64  `json:"funding_pnl"`
	FinalEquity     float64  `json:"final_equity"`
}

// computeMetrics derives the summary from the equity curve and trade log.
// Annualization uses the timeframe's bars-per-year; Sharpe and Sortino are
// zero when the deviation in the denominator is zero.
func computeMetrics(curve []EquityPoint, trades []Trade, fundingPnL, initial decimal.Decimal, tf domain.Timeframe) Metrics {
	var m Metrics
	m.FundingPnL = pnlFloat(fundingPnL)

	initialF := pnlFloat(initial)
	m.FinalEquity = initialF
	if len(curve) > 0 {
		m.FinalEquity = pnlFloat(curve[len(curve)-1].Equity)
	}
	if initialF > 0 {
		m.TotalReturn = m.FinalEquity/initialF - 1
	}
	m.TotalReturnPct = m.TotalReturn * 100

	barsPerYear := tf.BarsPerYear()
	if barsPerYear > 0 && len(curve) > 0 && initialF > 0 && m.FinalEquity > 0 {
		years := float64(len(curve)) / barsPerYear
		if years > 0 {
			m.CAGR = math.Pow(m.FinalEquity/initialF, 1/years) - 1
		}
	}

	streak := 0
	for _, p := range curve {
		if p.Drawdown > m.MaxDrawdown {
			m.MaxDrawdown = p.Drawdown
		}
		if p.Drawdown > 0 {
			streak++
			if streak > m.MaxDrawdownBars {
				m.MaxDrawdownBars = streak
			}
		} else {
			streak = 0
		}
	}

	returns := barReturns(curve)
	if len(returns) >= 2 {
		mean, std := stat.MeanStdDev(returns, nil)
		if std > 0 {
			m.Sharpe = mean / std * math.Sqrt(barsPerYear)
		}
		var downSq float64
		for _, r := range returns {
			if r < 0 {
				downSq += r * r
			}
		}
		if downDev := math.Sqrt(downSq / float64(len(returns))); downDev > 0 {
			m.Sortino = mean / downDev * math.Sqrt(barsPerYear)
		}
	}
	if m.MaxDrawdown > 0 {
		m.Calmar = m.CAGR / m.MaxDrawdown
	}

	var grossProfit, grossLoss float64
	var losses int
	for _, t := range trades {
		if !t.RealizedPnL.Valid {
			continue
		}
		m.Trades++
		pnl := pnlFloat(t.RealizedPnL.Decimal)
		if pnl > 0 {
			m.Wins++
			grossProfit += pnl
		} else if pnl < 0 {
			losses++
			grossLoss += -pnl
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = floatPtr(grossProfit / grossLoss)
	}
	if m.Wins > 0 && losses > 0 {
		avgWin := grossProfit / float64(m.Wins)
		avgLoss := grossLoss / float64(losses)
		m.PayoffRatio = floatPtr(avgWin / avgLoss)
	}
	return m
}

// barReturns converts the equity curve into per-bar simple returns.
func barReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := pnlFloat(curve[i-1].Equity)
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, pnlFloat(curve[i].Equity)/prev-1)
	}
	return returns
}

func floatPtr(f float64) *float64 {
	return &f
}
