// Package marketdata is the read-only facade over stored market data.
// Everything downstream of ingest (strategies, regime, decision, risk,
// execution) reads through this service, never raw SQL.
package marketdata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
)

const candleColumns = `symbol, timeframe, ts, open, high, low, close, volume`

// Service serves immutable copies of candles, funding, and prices.
type Service struct {
	db  *sql.DB
	log zerolog.Logger

	now func() time.Time
}

func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "marketdata").Logger(),
		now: time.Now,
	}
}

// GetCandles returns the last limit closed bars, ascending. Fewer bars than
// requested come back as-is, never padded.
func (s *Service) GetCandles(symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("marketdata: limit must be positive, got %d", limit)
	}
	rows, err := s.db.Query(
		`SELECT `+candleColumns+` FROM candles WHERE symbol = ? AND timeframe = ? ORDER BY ts DESC LIMIT ?`,
		symbol, string(tf), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	// The query walks newest-first for the LIMIT; callers get oldest-first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetCandlesRange returns bars with ts in [startTs, endTs], ascending.
func (s *Service) GetCandlesRange(symbol string, tf domain.Timeframe, startTs, endTs int64) ([]domain.Candle, error) {
	rows, err := s.db.Query(
		`SELECT `+candleColumns+` FROM candles WHERE symbol = ? AND timeframe = ? AND ts BETWEEN ? AND ? ORDER BY ts ASC`,
		symbol, string(tf), startTs, endTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetLatestFunding returns the newest funding observation, or nil when none
// is stored.
func (s *Service) GetLatestFunding(symbol string) (*domain.FundingRate, error) {
	var f domain.FundingRate
	err := s.db.QueryRow(
		`SELECT symbol, ts, rate, next_funding_ts FROM funding_rates WHERE symbol = ? ORDER BY ts DESC LIMIT 1`,
		symbol,
	).Scan(&f.Symbol, &f.Ts, &f.Rate, &f.NextFundingTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest funding: %w", err)
	}
	return &f, nil
}

// GetFundingHistory returns the last limit funding observations, ascending.
func (s *Service) GetFundingHistory(symbol string, limit int) ([]domain.FundingRate, error) {
	if limit <= 0 {
		limit = 16
	}
	rows, err := s.db.Query(
		`SELECT symbol, ts, rate, next_funding_ts FROM funding_rates WHERE symbol = ? ORDER BY ts DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding history: %w", err)
	}
	defer rows.Close()

	var out []domain.FundingRate
	for rows.Next() {
		var f domain.FundingRate
		if err := rows.Scan(&f.Symbol, &f.Ts, &f.Rate, &f.NextFundingTs); err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetFundingRange returns funding observations with ts in [startTs, endTs],
// ascending. The backtest engine replays funding from this series.
func (s *Service) GetFundingRange(symbol string, startTs, endTs int64) ([]domain.FundingRate, error) {
	rows, err := s.db.Query(
		`SELECT symbol, ts, rate, next_funding_ts FROM funding_rates WHERE symbol = ? AND ts BETWEEN ? AND ? ORDER BY ts ASC`,
		symbol, startTs, endTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding range: %w", err)
	}
	defer rows.Close()

	var out []domain.FundingRate
	for rows.Next() {
		var f domain.FundingRate
		if err := rows.Scan(&f.Symbol, &f.Ts, &f.Rate, &f.NextFundingTs); err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetLatestPrices returns the newest mark/index/last snapshot, or nil when
// none is stored.
func (s *Service) GetLatestPrices(symbol string) (*domain.PriceSnapshot, error) {
	var p domain.PriceSnapshot
	err := s.db.QueryRow(
		`SELECT symbol, ts, last_price, mark_price, index_price FROM price_snapshots WHERE symbol = ? ORDER BY ts DESC LIMIT 1`,
		symbol,
	).Scan(&p.Symbol, &p.Ts, &p.Last, &p.Mark, &p.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	return &p, nil
}

// GetSnapshot assembles the full decision-cycle view: last limit bars plus
// the latest funding and prices, with the staleness flag set when the
// newest closed bar opened more than two bars ago.
func (s *Service) GetSnapshot(symbol string, tf domain.Timeframe, limit int) (*domain.MarketSnapshot, error) {
	candles, err := s.GetCandles(symbol, tf, limit)
	if err != nil {
		return nil, err
	}
	funding, err := s.GetLatestFunding(symbol)
	if err != nil {
		return nil, err
	}
	history, err := s.GetFundingHistory(symbol, 16)
	if err != nil {
		return nil, err
	}
	prices, err := s.GetLatestPrices(symbol)
	if err != nil {
		return nil, err
	}

	nowMs := s.now().UnixMilli()
	snap := &domain.MarketSnapshot{
		Symbol:         symbol,
		Timeframe:      tf,
		Candles:        candles,
		Funding:        funding,
		Prices:         prices,
		FundingHistory: history,
		AsOf:           nowMs,
		Stale:          true,
	}
	if n := len(candles); n > 0 {
		snap.Stale = nowMs-candles[n-1].Ts > 2*tf.Millis()
	}
	return snap, nil
}

func scanCandles(rows *sql.Rows) ([]domain.Candle, error) {
	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tf string
		if err := rows.Scan(&c.Symbol, &tf, &c.Ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tf)
		out = append(out, c)
	}
	return out, rows.Err()
}
