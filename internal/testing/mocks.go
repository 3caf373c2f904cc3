package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
)

// MockVenue is a scripted, thread-safe domain.VenueAPI. Market data is
// seeded with Seed* setters; orders are accepted into an in-memory book
// and driven to fills or cancels by the test.
type MockVenue struct {
	mu sync.Mutex

	candles   map[domain.Timeframe][]domain.Candle
	funding   *domain.FundingRate
	prices    *domain.PriceSnapshot
	balances  []domain.Balance
	positions []domain.VenuePosition

	orders     map[string]*bookEntry // keyed by client order id
	nextID     int
	placements []string // every accepted client order id, in order

	errs     map[string]error
	failures map[string]int
	calls    map[string]int
}

type bookEntry struct {
	req   domain.OrderRequest
	state domain.OrderState
}

func NewMockVenue() *MockVenue {
	return &MockVenue{
		candles:  make(map[domain.Timeframe][]domain.Candle),
		orders:   make(map[string]*bookEntry),
		errs:     make(map[string]error),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SeedCandles replaces the scripted series for one timeframe. Bars must be
// ascending.
func (m *MockVenue) SeedCandles(tf domain.Timeframe, candles []domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[tf] = append([]domain.Candle(nil), candles...)
}

// SetError makes the named operation fail until cleared (nil clears).
func (m *MockVenue) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// FailNTimes makes the named operation fail n times with err, then succeed.
func (m *MockVenue) FailNTimes(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
	m.errs[op] = err
}

// Calls reports how many times the named operation ran.
func (m *MockVenue) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Placements returns the client order ids accepted, in submission order.
// Idempotent re-submissions do not appear twice.
func (m *MockVenue) Placements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.placements...)
}

func (m *MockVenue) SeedFunding(f domain.FundingRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding = &f
}

func (m *MockVenue) SeedPrices(p domain.PriceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = &p
}

func (m *MockVenue) SeedBalances(balances []domain.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append([]domain.Balance(nil), balances...)
}

func (m *MockVenue) SeedPositions(positions []domain.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append([]domain.VenuePosition(nil), positions...)
}

// gate counts the call and returns the scripted error, if any. Callers
// hold the mutex.
func (m *MockVenue) gate(op string) error {
	m.calls[op]++
	err, ok := m.errs[op]
	if !ok {
		return nil
	}
	if n, limited := m.failures[op]; limited {
		if n <= 0 {
			delete(m.errs, op)
			delete(m.failures, op)
			return nil
		}
		m.failures[op] = n - 1
	}
	return err
}

func (m *MockVenue) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, since int64, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchOHLCV"); err != nil {
		return nil, err
	}
	out := make([]domain.Candle, 0, limit)
	for _, c := range m.candles[tf] {
		if c.Ts < since {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockVenue) FetchFunding(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchFunding"); err != nil {
		return nil, err
	}
	if m.funding == nil {
		return nil, fmt.Errorf("mock venue: no funding seeded")
	}
	f := *m.funding
	return &f, nil
}

func (m *MockVenue) FetchMarkIndexLast(ctx context.Context, symbol string) (*domain.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchMarkIndexLast"); err != nil {
		return nil, err
	}
	if m.prices == nil {
		return nil, fmt.Errorf("mock venue: no prices seeded")
	}
	p := *m.prices
	return &p, nil
}

func (m *MockVenue) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchBalances"); err != nil {
		return nil, err
	}
	return append([]domain.Balance(nil), m.balances...), nil
}

func (m *MockVenue) FetchPositions(ctx context.Context, symbol string) ([]domain.VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchPositions"); err != nil {
		return nil, err
	}
	return append([]domain.VenuePosition(nil), m.positions...), nil
}

// SubmitOrder accepts the order into the book. Re-submitting a known
// client order id returns the existing acknowledgment instead of placing
// a second order.
func (m *MockVenue) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("SubmitOrder"); err != nil {
		return nil, err
	}
	if entry, ok := m.orders[req.ClientOrderID]; ok {
		return &domain.OrderAck{ExchangeOrderID: entry.state.ExchangeOrderID, Status: entry.state.Status}, nil
	}

	m.nextID++
	entry := &bookEntry{
		req: req,
		state: domain.OrderState{
			ExchangeOrderID: fmt.Sprintf("EX-%d", m.nextID),
			ClientOrderID:   req.ClientOrderID,
			Status:          domain.OrderStatusAccepted,
			FilledQty:       decimal.Zero,
			AvgPrice:        decimal.Zero,
			Fee:             decimal.Zero,
			FeeCurrency:     "USDT",
		},
	}
	m.orders[req.ClientOrderID] = entry
	m.placements = append(m.placements, req.ClientOrderID)
	return &domain.OrderAck{ExchangeOrderID: entry.state.ExchangeOrderID, Status: entry.state.Status}, nil
}

func (m *MockVenue) FetchOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (*domain.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("FetchOrder"); err != nil {
		return nil, err
	}
	entry := m.find(exchangeOrderID, clientOrderID)
	if entry == nil {
		return nil, &okx.APIError{Code: "51603", Message: "Order does not exist"}
	}
	state := entry.state
	return &state, nil
}

func (m *MockVenue) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate("CancelOrder"); err != nil {
		return err
	}
	entry := m.find(exchangeOrderID, clientOrderID)
	if entry == nil {
		return &okx.APIError{Code: "51603", Message: "Order does not exist"}
	}
	if entry.state.Status.Terminal() {
		return &okx.APIError{Code: "51402", Message: "Order already terminal"}
	}
	entry.state.Status = domain.OrderStatusCanceled
	entry.state.UpdatedAt++
	return nil
}

// Fill records qty at price against the order, advancing it to
// PARTIALLY_FILLED or FILLED when the requested amount is reached.
func (m *MockVenue) Fill(clientOrderID string, qty, price, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("mock venue: unknown order %s", clientOrderID)
	}
	if entry.state.Status.Terminal() {
		return fmt.Errorf("mock venue: order %s already terminal", clientOrderID)
	}

	prevNotional := entry.state.AvgPrice.Mul(entry.state.FilledQty)
	entry.state.FilledQty = entry.state.FilledQty.Add(qty)
	entry.state.AvgPrice = prevNotional.Add(price.Mul(qty)).Div(entry.state.FilledQty)
	entry.state.Fee = entry.state.Fee.Add(fee)
	entry.state.UpdatedAt++
	if entry.state.FilledQty.Cmp(entry.req.Amount) >= 0 {
		entry.state.Status = domain.OrderStatusFilled
	} else {
		entry.state.Status = domain.OrderStatusPartiallyFilled
	}
	return nil
}

// ForceState overwrites an order's venue-side status, for scripting
// venue-initiated cancels and catch-up fills.
func (m *MockVenue) ForceState(clientOrderID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("mock venue: unknown order %s", clientOrderID)
	}
	entry.state.Status = status
	entry.state.UpdatedAt++
	return nil
}

func (m *MockVenue) find(exchangeOrderID, clientOrderID string) *bookEntry {
	if clientOrderID != "" {
		if entry, ok := m.orders[clientOrderID]; ok {
			return entry
		}
	}
	if exchangeOrderID != "" {
		for _, entry := range m.orders {
			if entry.state.ExchangeOrderID == exchangeOrderID {
				return entry
			}
		}
	}
	return nil
}

var _ domain.VenueAPI = (*MockVenue)(nil)

// RiskEvent is one recorded risk sink call.
type RiskEvent struct {
	Level   string
	Rule    string
	Message string
}

// MockRiskSink records risk events in memory.
type MockRiskSink struct {
	mu     sync.Mutex
	events []RiskEvent
	err    error
}

func NewMockRiskSink() *MockRiskSink {
	return &MockRiskSink{}
}

// SetError sets the error to return
func (m *MockRiskSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockRiskSink) RecordEvent(level, rule, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, RiskEvent{Level: level, Rule: rule, Message: message})
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MockRiskSink) Events() []RiskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RiskEvent(nil), m.events...)
}
