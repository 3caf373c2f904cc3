package domain

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls what happens to an unfilled remainder.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus is the order lifecycle state. Statuses progress monotonically
// NEW → ACCEPTED → PARTIALLY_FILLED → FILLED, or jump to one of the
// terminal states CANCELED / REJECTED / EXPIRED. A terminal status is never
// succeeded by anything.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// SignalIntent is what a strategy wants done with the position.
type SignalIntent string

const (
	IntentLong       SignalIntent = "LONG"
	IntentShort      SignalIntent = "SHORT"
	IntentFlat       SignalIntent = "FLAT"
	IntentCloseLong  SignalIntent = "CLOSE_LONG"
	IntentCloseShort SignalIntent = "CLOSE_SHORT"
)
