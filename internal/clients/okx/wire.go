package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/domain"
)

type orderPayload struct {
	InstID     string `json:"instId"`
	TDMode     string `json:"tdMode"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide,omitempty"`
	OrdType    string `json:"ordType"`
	Size       string `json:"sz"`
	Price      string `json:"px,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type cancelPayload struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

type leveragePayload struct {
	InstID  string `json:"instId"`
	Lever   string `json:"lever"`
	MgnMode string `json:"mgnMode"`
	PosSide string `json:"posSide,omitempty"`
}

type tradeAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// parseTradeAck unwraps the double-layered trade response. The per-order
// sCode wins over the envelope code, which only says "all failed" or
// "partially failed".
func parseTradeAck(resp *apiResponse) (*tradeAck, error) {
	var acks []tradeAck
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &acks); err == nil && len(acks) > 0 {
			if acks[0].SCode != "" && acks[0].SCode != "0" {
				return nil, &APIError{Code: acks[0].SCode, Message: acks[0].SMsg}
			}
			if err := resp.err(); err != nil {
				return nil, err
			}
			return &acks[0], nil
		}
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("okx: empty trade response")
}

type fundingData struct {
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (f fundingData) toDomain(symbol string) (*domain.FundingRate, error) {
	rate, err := strconv.ParseFloat(f.FundingRate, 64)
	if err != nil {
		return nil, fmt.Errorf("okx: bad funding rate %q: %w", f.FundingRate, err)
	}
	ts, err := parseMillis(f.FundingTime)
	if err != nil {
		return nil, fmt.Errorf("okx: bad funding time %q: %w", f.FundingTime, err)
	}
	next, _ := parseMillis(f.NextFundingTime)
	return &domain.FundingRate{Symbol: symbol, Ts: ts, Rate: rate, NextFundingTs: next}, nil
}

type tickerData struct {
	Last string `json:"last"`
	Ts   string `json:"ts"`
}

type markPriceData struct {
	MarkPx string `json:"markPx"`
}

type indexTickerData struct {
	IdxPx string `json:"idxPx"`
}

func buildSnapshot(symbol string, t tickerData, m markPriceData, i indexTickerData) (*domain.PriceSnapshot, error) {
	last, err := strconv.ParseFloat(t.Last, 64)
	if err != nil {
		return nil, fmt.Errorf("okx: bad last price %q: %w", t.Last, err)
	}
	mark, err := strconv.ParseFloat(m.MarkPx, 64)
	if err != nil {
		return nil, fmt.Errorf("okx: bad mark price %q: %w", m.MarkPx, err)
	}
	index, err := strconv.ParseFloat(i.IdxPx, 64)
	if err != nil {
		return nil, fmt.Errorf("okx: bad index price %q: %w", i.IdxPx, err)
	}
	ts, err := parseMillis(t.Ts)
	if err != nil {
		ts = time.Now().UnixMilli()
	}
	return &domain.PriceSnapshot{Symbol: symbol, Ts: ts, Last: last, Mark: mark, Index: index}, nil
}

type balanceData struct {
	Details []balanceDetail `json:"details"`
}

type balanceDetail struct {
	Ccy       string `json:"ccy"`
	Eq        string `json:"eq"`
	AvailBal  string `json:"availBal"`
	AvailEq   string `json:"availEq"`
	FrozenBal string `json:"frozenBal"`
}

func (d balanceDetail) toDomain() (domain.Balance, error) {
	total, err := parseDecimal(d.Eq)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("okx: balance %s equity: %w", d.Ccy, err)
	}
	free, err := parseDecimal(firstNonEmpty(d.AvailBal, d.AvailEq))
	if err != nil {
		return domain.Balance{}, fmt.Errorf("okx: balance %s available: %w", d.Ccy, err)
	}
	used, err := parseDecimal(d.FrozenBal)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("okx: balance %s frozen: %w", d.Ccy, err)
	}
	return domain.Balance{Currency: d.Ccy, Total: total, Free: free, Used: used}, nil
}

type positionData struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Lever   string `json:"lever"`
	Upl     string `json:"upl"`
	Margin  string `json:"margin"`
	IMR     string `json:"imr"`
	LiqPx   string `json:"liqPx"`
	UTime   string `json:"uTime"`
}

// toDomain returns ok=false for the zero-size rows the venue keeps around
// after a position is closed.
func (p positionData) toDomain(raw json.RawMessage) (domain.VenuePosition, bool, error) {
	size, err := parseDecimal(p.Pos)
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("okx: position %s size: %w", p.InstID, err)
	}
	side := domain.PositionFlat
	switch p.PosSide {
	case "long":
		side = domain.PositionLong
	case "short":
		side = domain.PositionShort
	case "net", "":
		// Net mode encodes direction in the sign.
		if size.IsPositive() {
			side = domain.PositionLong
		} else if size.IsNegative() {
			side = domain.PositionShort
		}
	}
	size = size.Abs()
	if size.IsZero() || side == domain.PositionFlat {
		return domain.VenuePosition{}, false, nil
	}

	entry, err := parseDecimal(p.AvgPx)
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("okx: position %s entry: %w", p.InstID, err)
	}
	upl, err := parseDecimal(p.Upl)
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("okx: position %s upl: %w", p.InstID, err)
	}
	margin, err := parseDecimal(firstNonEmpty(p.Margin, p.IMR))
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("okx: position %s margin: %w", p.InstID, err)
	}
	liq, err := parseDecimal(p.LiqPx)
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("okx: position %s liquidation: %w", p.InstID, err)
	}
	uTime, _ := parseMillis(p.UTime)

	return domain.VenuePosition{
		Symbol:           p.InstID,
		PosSide:          side,
		Size:             size,
		EntryPrice:       entry,
		Leverage:         parseFloatDefault(p.Lever, 0),
		UnrealizedPnL:    upl,
		Margin:           margin,
		LiquidationPrice: liq,
		UpdatedAt:        uTime,
		Raw:              raw,
	}, true, nil
}

type orderData struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
	UTime     string `json:"uTime"`
}

func (o orderData) toDomain(raw json.RawMessage) (*domain.OrderState, error) {
	filled, err := parseDecimal(o.AccFillSz)
	if err != nil {
		return nil, fmt.Errorf("okx: order %s filled qty: %w", o.OrdID, err)
	}
	avg, err := parseDecimal(o.AvgPx)
	if err != nil {
		return nil, fmt.Errorf("okx: order %s avg price: %w", o.OrdID, err)
	}
	fee, err := parseDecimal(o.Fee)
	if err != nil {
		return nil, fmt.Errorf("okx: order %s fee: %w", o.OrdID, err)
	}
	uTime, _ := parseMillis(o.UTime)

	return &domain.OrderState{
		ExchangeOrderID: o.OrdID,
		ClientOrderID:   o.ClOrdID,
		Status:          mapOrderState(o.State),
		FilledQty:       filled,
		AvgPrice:        avg,
		Fee:             fee.Abs(), // the venue reports charges as negatives
		FeeCurrency:     o.FeeCcy,
		UpdatedAt:       uTime,
		Raw:             raw,
	}, nil
}

func mapOrderState(state string) domain.OrderStatus {
	switch state {
	case "live":
		return domain.OrderStatusAccepted
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return domain.OrderStatusCanceled
	}
	return ""
}

func parseCandleRow(symbol string, tf domain.Timeframe, row []string) (domain.Candle, bool, error) {
	if len(row) < 6 {
		return domain.Candle{}, false, fmt.Errorf("okx: candle row has %d fields", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Candle{}, false, fmt.Errorf("okx: bad candle timestamp %q: %w", row[0], err)
	}
	var vals [5]float64
	for i := range vals {
		vals[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return domain.Candle{}, false, fmt.Errorf("okx: bad candle field %q: %w", row[i+1], err)
		}
	}
	confirmed := true
	if len(row) >= 9 {
		confirmed = row[8] == "1"
	}
	return domain.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Ts:        ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, confirmed, nil
}

func sideParam(s domain.Side) string { return strings.ToLower(string(s)) }

func posSideParam(p domain.PositionSide) string { return strings.ToLower(string(p)) }

func ordTypeParam(t domain.OrderType, tif domain.TimeInForce) string {
	if t == domain.OrderTypeMarket {
		return "market"
	}
	if tif == domain.TIFIOC {
		return "ioc"
	}
	return "limit"
}

// indexInstID maps a swap instrument to its underlying spot index,
// BTC-USDT-SWAP → BTC-USDT.
func indexInstID(symbol string) string {
	return strings.TrimSuffix(symbol, "-SWAP")
}

func parseMillis(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseFloatDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
