package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
)

const (
	dayMillis = int64(24 * time.Hour / time.Millisecond)

	// overlapBars re-fetches the tail of the stored range on every tick.
	// Insert-or-ignore makes the overlap free and it heals a bar the venue
	// finalized late.
	overlapBars = 2
)

// RiskEventSink records operational risk events. Satisfied by the risk
// module's event repository.
type RiskEventSink interface {
	RecordEvent(level, rule, message string) error
}

// Config controls one worker instance. The worker serves a single symbol;
// the set of timeframes is fixed at startup.
type Config struct {
	Symbol       string
	Timeframes   []domain.Timeframe
	BackfillDays int
	BatchSize    int
	MaxRetries   int
}

// Worker pulls closed candles, funding, and price snapshots from the venue
// into the store. Each timeframe syncs independently; one failing timeframe
// never blocks the others.
type Worker struct {
	venue   domain.VenueAPI
	candles *CandleRepository
	derivs  *DerivativesRepository
	runs    *RunRepository
	risk    RiskEventSink
	cfg     Config
	log     zerolog.Logger

	now func() time.Time
}

func NewWorker(venue domain.VenueAPI, candles *CandleRepository, derivs *DerivativesRepository, runs *RunRepository, risk RiskEventSink, cfg Config, log zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 300
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 90
	}
	return &Worker{
		venue:   venue,
		candles: candles,
		derivs:  derivs,
		runs:    runs,
		risk:    risk,
		cfg:     cfg,
		log:     log.With().Str("component", "ingest").Str("symbol", cfg.Symbol).Logger(),
		now:     time.Now,
	}
}

// SyncAll runs one full ingest tick: every configured timeframe, then
// funding and prices. Failures are joined, not short-circuited.
func (w *Worker) SyncAll(ctx context.Context) error {
	var errs []error
	for _, tf := range w.cfg.Timeframes {
		if _, err := w.SyncCandles(ctx, tf); err != nil {
			errs = append(errs, fmt.Errorf("candles %s: %w", tf, err))
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	if err := w.SyncDerivatives(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncCandles advances one (symbol, timeframe) series to the current open
// bar and returns how many new rows were stored. Only closed bars are
// persisted; the forming bar is dropped even if the venue returns it.
func (w *Worker) SyncCandles(ctx context.Context, tf domain.Timeframe) (int, error) {
	bar := tf.Millis()
	latest, err := w.candles.LatestTs(w.cfg.Symbol, tf)
	if err != nil {
		return 0, err
	}

	var since int64
	if latest == 0 {
		since = tf.Align(w.now().UnixMilli() - int64(w.cfg.BackfillDays)*dayMillis)
	} else {
		since = latest - (overlapBars-1)*bar
	}

	runID, err := w.runs.Start(w.cfg.Symbol, tf, since)
	if err != nil {
		return 0, err
	}

	fetched, inserted := 0, 0
	currentOpen := tf.Align(w.now().UnixMilli())

	for since < currentOpen {
		batch, err := w.fetchWithRetry(ctx, tf, since)
		if err != nil {
			_ = w.runs.Finish(runID, fetched, inserted, err)
			w.stall(tf, err)
			return inserted, err
		}

		closed := make([]domain.Candle, 0, len(batch))
		for _, c := range batch {
			if c.Ts < currentOpen {
				closed = append(closed, c)
			}
		}
		fetched += len(batch)

		n, err := w.candles.UpsertBatch(closed)
		if err != nil {
			_ = w.runs.Finish(runID, fetched, inserted, err)
			return inserted, err
		}
		inserted += n

		if len(batch) == 0 {
			// The venue has nothing in this window; skip past it.
			since += int64(w.cfg.BatchSize) * bar
			continue
		}
		last := batch[len(batch)-1].Ts
		if last+bar <= since {
			break
		}
		since = last + bar
	}

	if err := w.runs.Finish(runID, fetched, inserted, nil); err != nil {
		return inserted, err
	}
	if inserted > 0 {
		w.log.Info().Str("timeframe", string(tf)).Int("rows", inserted).Msg("Candles ingested")
	}
	return inserted, nil
}

// SyncDerivatives fetches the current funding rate and price snapshot.
// No retry here: the next tick is never far away.
func (w *Worker) SyncDerivatives(ctx context.Context) error {
	var errs []error

	funding, err := w.venue.FetchFunding(ctx, w.cfg.Symbol)
	if err != nil {
		errs = append(errs, fmt.Errorf("funding: %w", err))
	} else if _, err := w.derivs.InsertFunding(*funding); err != nil {
		errs = append(errs, err)
	}

	prices, err := w.venue.FetchMarkIndexLast(ctx, w.cfg.Symbol)
	if err != nil {
		errs = append(errs, fmt.Errorf("prices: %w", err))
	} else if err := w.derivs.InsertPriceSnapshot(*prices); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// fetchWithRetry wraps one venue page fetch in a bounded exponential
// backoff with jitter. Permanent errors fail immediately.
func (w *Worker) fetchWithRetry(ctx context.Context, tf domain.Timeframe, since int64) ([]domain.Candle, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			wait += time.Duration(rand.Int63n(int64(wait / 2)))
			w.log.Warn().Err(lastErr).
				Str("timeframe", string(tf)).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("Venue fetch failed, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		batch, err := w.venue.FetchOHLCV(ctx, w.cfg.Symbol, tf, since, w.cfg.BatchSize)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if !okx.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (w *Worker) stall(tf domain.Timeframe, cause error) {
	msg := fmt.Sprintf("ingest stalled for %s/%s: %v", w.cfg.Symbol, tf, cause)
	if err := w.risk.RecordEvent("WARN", "INGEST_STALL", msg); err != nil {
		w.log.Error().Err(err).Msg("Failed to record ingest stall")
	}
}
