package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/meridianq/perpcore/internal/domain"
)

const (
	defaultBaseURL = "https://www.okx.com"
	defaultTimeout = 15 * time.Second

	// history-candles caps the page size at 100 rows.
	maxCandleBatch = 100

	demoHeader = "x-simulated-trading"
)

var barByTimeframe = map[domain.Timeframe]string{
	domain.TF15m: "15m",
	domain.TF1h:  "1H",
	domain.TF4h:  "4H",
	domain.TF1d:  "1Dutc",
}

// Config carries everything needed to talk to the venue's REST API.
// Demo routes orders to the paper-trading environment via a header; the
// base URL is the same for both.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Demo       bool
	BaseURL    string
	Timeout    time.Duration
}

// Client is a REST client for OKX v5 implementing domain.VenueAPI. All
// calls pass through a shared rate limiter and a circuit breaker; signed
// endpoints use HMAC-SHA256 over timestamp+method+path+body.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewClient builds a venue client. Credentials may be empty for callers
// that only use public market-data endpoints.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	log := logger.With().Str("client", "okx").Bool("demo", cfg.Demo).Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "okx",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Client{
		cfg:        cfg,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		breaker:    breaker,
		log:        log,
	}
}

// apiResponse is the envelope every v5 endpoint wraps its payload in.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// err maps the envelope's business code to the package error taxonomy.
func (r *apiResponse) err() error {
	switch r.Code {
	case "0":
		return nil
	case "50011", "50061":
		return fmt.Errorf("%w: %s", ErrRateLimited, r.Msg)
	default:
		return &APIError{Code: r.Code, Message: r.Msg}
	}
}

// call performs one HTTP round trip through the limiter and breaker and
// returns the parsed envelope. The envelope's business code is NOT mapped
// here; callers decide because trade endpoints carry per-order codes.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, auth bool) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Demo {
		req.Header.Set(demoHeader, "1")
	}
	if auth {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, fullPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: http 429", ErrRateLimited)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	var envelope apiResponse
	if err := json.Unmarshal(res.([]byte), &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return &envelope, nil
}

func (c *Client) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// get runs a GET, maps the envelope code, and unmarshals data into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, auth bool, out any) error {
	resp, err := c.call(ctx, http.MethodGet, path, query, nil, auth)
	if err != nil {
		return err
	}
	if err := resp.err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// FetchOHLCV returns up to limit closed candles at or after since, oldest
// first. The venue pages newest-first below a cursor, so the cursor is set
// one batch past since; on a fully populated book this yields exactly the
// [since, cursor) window.
func (c *Client) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, since int64, limit int) ([]domain.Candle, error) {
	bar, ok := barByTimeframe[tf]
	if !ok {
		return nil, fmt.Errorf("okx: unsupported timeframe %q", tf)
	}
	if limit <= 0 || limit > maxCandleBatch {
		limit = maxCandleBatch
	}

	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("after", strconv.FormatInt(since+int64(limit+1)*tf.Millis(), 10))

	var rows [][]string
	if err := c.get(ctx, "/api/v5/market/history-candles", q, false, &rows); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		candle, confirmed, err := parseCandleRow(symbol, tf, row)
		if err != nil {
			return nil, err
		}
		if !confirmed || candle.Ts < since {
			continue
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Ts < candles[j].Ts })
	return candles, nil
}

// FetchFunding returns the current funding rate and the next funding time.
func (c *Client) FetchFunding(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	q := url.Values{}
	q.Set("instId", symbol)

	var rows []fundingData
	if err := c.get(ctx, "/api/v5/public/funding-rate", q, false, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: empty funding response for %s", symbol)
	}
	return rows[0].toDomain(symbol)
}

// FetchMarkIndexLast gathers last, mark, and index prices. Three separate
// endpoints; the snapshot timestamp comes from the ticker.
func (c *Client) FetchMarkIndexLast(ctx context.Context, symbol string) (*domain.PriceSnapshot, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	var tickers []tickerData
	if err := c.get(ctx, "/api/v5/market/ticker", q, false, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("okx: empty ticker response for %s", symbol)
	}

	mq := url.Values{}
	mq.Set("instType", "SWAP")
	mq.Set("instId", symbol)
	var marks []markPriceData
	if err := c.get(ctx, "/api/v5/public/mark-price", mq, false, &marks); err != nil {
		return nil, err
	}
	if len(marks) == 0 {
		return nil, fmt.Errorf("okx: empty mark-price response for %s", symbol)
	}

	iq := url.Values{}
	iq.Set("instId", indexInstID(symbol))
	var indexes []indexTickerData
	if err := c.get(ctx, "/api/v5/market/index-tickers", iq, false, &indexes); err != nil {
		return nil, err
	}
	if len(indexes) == 0 {
		return nil, fmt.Errorf("okx: empty index-ticker response for %s", symbol)
	}

	return buildSnapshot(symbol, tickers[0], marks[0], indexes[0])
}

// FetchBalances returns per-currency equity from the unified account.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	var accounts []balanceData
	if err := c.get(ctx, "/api/v5/account/balance", nil, true, &accounts); err != nil {
		return nil, err
	}
	balances := make([]domain.Balance, 0, 4)
	for _, account := range accounts {
		for _, detail := range account.Details {
			b, err := detail.toDomain()
			if err != nil {
				return nil, err
			}
			balances = append(balances, b)
		}
	}
	return balances, nil
}

// FetchPositions returns open swap positions for the symbol. Zero-size
// rows the venue keeps around after a close are dropped.
func (c *Client) FetchPositions(ctx context.Context, symbol string) ([]domain.VenuePosition, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", symbol)

	resp, err := c.call(ctx, http.MethodGet, "/api/v5/account/positions", q, nil, true)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	positions := make([]domain.VenuePosition, 0, len(items))
	for _, item := range items {
		var row positionData
		if err := json.Unmarshal(item, &row); err != nil {
			return nil, fmt.Errorf("decoding position row: %w", err)
		}
		pos, ok, err := row.toDomain(item)
		if err != nil {
			return nil, err
		}
		if ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// SubmitOrder places one child order. Leverage is applied first when
// requested; an unchanged-leverage rejection is not fatal to the order.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if req.Leverage > 0 {
		if err := c.setLeverage(ctx, req); err != nil {
			if IsTransient(err) {
				return nil, err
			}
			c.log.Warn().Err(err).
				Str("symbol", req.Symbol).
				Float64("leverage", req.Leverage).
				Msg("Set leverage rejected, submitting order anyway")
		}
	}

	payload := orderPayload{
		InstID:     req.Symbol,
		TDMode:     req.TDMode,
		ClOrdID:    req.ClientOrderID,
		Side:       sideParam(req.Side),
		OrdType:    ordTypeParam(req.Type, req.TimeInForce),
		Size:       req.Amount.String(),
		ReduceOnly: req.ReduceOnly,
	}
	if req.Type == domain.OrderTypeLimit {
		payload.Price = req.Price.String()
	}
	if req.PosSide == domain.PositionLong || req.PosSide == domain.PositionShort {
		payload.PosSide = posSideParam(req.PosSide)
	}

	resp, err := c.call(ctx, http.MethodPost, "/api/v5/trade/order", nil, payload, true)
	if err != nil {
		return nil, err
	}
	ack, err := parseTradeAck(resp)
	if err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", ack.OrdID).
		Msg("Order submitted")
	return &domain.OrderAck{ExchangeOrderID: ack.OrdID, Status: domain.OrderStatusAccepted}, nil
}

// FetchOrder looks an order up by exchange id when known, otherwise by
// client id. IsNotFound distinguishes "venue never saw it".
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (*domain.OrderState, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	if exchangeOrderID != "" {
		q.Set("ordId", exchangeOrderID)
	} else {
		q.Set("clOrdId", clientOrderID)
	}

	resp, err := c.call(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true)
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	if len(items) == 0 {
		return nil, &APIError{Code: orderNotFoundCode, Message: "order does not exist"}
	}
	var row orderData
	if err := json.Unmarshal(items[0], &row); err != nil {
		return nil, fmt.Errorf("decoding order row: %w", err)
	}
	state, err := row.toDomain(items[0])
	if err != nil {
		return nil, err
	}
	if state.Status == "" {
		c.log.Warn().Str("state", row.State).Str("order_id", row.OrdID).Msg("Unknown venue order state")
		state.Status = domain.OrderStatusAccepted
	}
	return state, nil
}

// CancelOrder requests cancellation. Cancelling an already-terminal order
// returns the venue's rejection as an APIError; callers converge by
// re-fetching the order.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error {
	payload := cancelPayload{InstID: symbol}
	if exchangeOrderID != "" {
		payload.OrdID = exchangeOrderID
	} else {
		payload.ClOrdID = clientOrderID
	}

	resp, err := c.call(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, payload, true)
	if err != nil {
		return err
	}
	if _, err := parseTradeAck(resp); err != nil {
		return err
	}
	return nil
}

func (c *Client) setLeverage(ctx context.Context, req domain.OrderRequest) error {
	payload := leveragePayload{
		InstID:  req.Symbol,
		Lever:   strconv.FormatFloat(req.Leverage, 'f', -1, 64),
		MgnMode: req.TDMode,
	}
	if req.TDMode == "isolated" && (req.PosSide == domain.PositionLong || req.PosSide == domain.PositionShort) {
		payload.PosSide = posSideParam(req.PosSide)
	}

	resp, err := c.call(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, payload, true)
	if err != nil {
		return err
	}
	return resp.err()
}

var _ domain.VenueAPI = (*Client)(nil)
