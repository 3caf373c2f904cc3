package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/ingest"
)

// RepairConfig bounds a single repair attempt.
type RepairConfig struct {
	BatchSize  int
	MaxRetries int
}

// RepairWorker drains PENDING repair jobs, refetching each missing range
// from the venue and writing the rows through the same insert-or-ignore
// path ingest uses. Jobs for the same (symbol, timeframe) run one at a
// time; a per-key lock keeps concurrent workers off the same series.
type RepairWorker struct {
	venue   domain.VenueAPI
	candles *ingest.CandleRepository
	jobs    *JobRepository
	events  *EventRepository
	cfg     RepairConfig
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

func NewRepairWorker(venue domain.VenueAPI, candles *ingest.CandleRepository, jobs *JobRepository, events *EventRepository, cfg RepairConfig, log zerolog.Logger) *RepairWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 300
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &RepairWorker{
		venue:   venue,
		candles: candles,
		jobs:    jobs,
		events:  events,
		cfg:     cfg,
		log:     log.With().Str("component", "repair").Logger(),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// ProcessPending runs every queued job once and returns how many finished
// DONE. Job failures are joined rather than aborting the drain.
func (w *RepairWorker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.jobs.ListPending()
	if err != nil {
		return 0, err
	}

	done := 0
	var errs []error
	for _, job := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := w.Run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("repair %s: %w", job.JobID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Run executes one job: claim, refetch, write, close. The series lock is
// held for the whole attempt so no other repair touches the same
// (symbol, timeframe) while rows are being written.
func (w *RepairWorker) Run(ctx context.Context, job domain.RepairJob) error {
	unlock := w.lockSeries(job.Symbol, job.Timeframe)
	defer unlock()

	claimed, err := w.jobs.MarkRunning(job.JobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker took it, or the job was already closed.
		return nil
	}

	repaired, err := w.refetch(ctx, job)
	if err != nil {
		if failErr := w.jobs.Fail(job.JobID, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("Repair failed")
		return err
	}

	if err := w.jobs.Complete(job.JobID, repaired); err != nil {
		return err
	}

	bar := job.Timeframe.Millis()
	expected := 0
	if bar > 0 && job.EndTs >= job.StartTs {
		expected = int((job.EndTs-job.StartTs)/bar) + 1
	}
	_, err = w.events.Insert(domain.IntegrityEvent{
		Symbol:       job.Symbol,
		Timeframe:    job.Timeframe,
		Type:         domain.IntegrityRepair,
		StartTs:      job.StartTs,
		EndTs:        job.EndTs,
		ExpectedBars: expected,
		ActualBars:   repaired,
		Severity:     domain.SeverityLow,
		DetectedAt:   w.now().UTC().UnixMilli(),
		RepairJobID:  job.JobID,
	})
	if err != nil {
		return err
	}

	w.log.Info().
		Str("job_id", job.JobID).
		Str("symbol", job.Symbol).
		Str("timeframe", string(job.Timeframe)).
		Int("repaired_bars", repaired).
		Msg("Repair done")
	return nil
}

// refetch pages the venue over [StartTs, EndTs] and returns how many rows
// were actually new. Bars outside the range and the still-forming bar are
// dropped before writing.
func (w *RepairWorker) refetch(ctx context.Context, job domain.RepairJob) (int, error) {
	bar := job.Timeframe.Millis()
	if bar == 0 {
		return 0, fmt.Errorf("unsupported timeframe %q", job.Timeframe)
	}

	repaired := 0
	since := job.StartTs
	currentOpen := job.Timeframe.Align(w.now().UnixMilli())

	for since <= job.EndTs {
		batch, err := w.fetchWithRetry(ctx, job.Symbol, job.Timeframe, since)
		if err != nil {
			return repaired, err
		}

		keep := make([]domain.Candle, 0, len(batch))
		for _, c := range batch {
			if c.Ts > job.EndTs || c.Ts >= currentOpen {
				continue
			}
			keep = append(keep, c)
		}
		n, err := w.candles.UpsertBatch(keep)
		if err != nil {
			return repaired, err
		}
		repaired += n

		if len(batch) == 0 {
			since += int64(w.cfg.BatchSize) * bar
			continue
		}
		last := batch[len(batch)-1].Ts
		if last+bar <= since {
			break
		}
		since = last + bar
	}
	return repaired, nil
}

func (w *RepairWorker) fetchWithRetry(ctx context.Context, symbol string, tf domain.Timeframe, since int64) ([]domain.Candle, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			w.log.Warn().Err(lastErr).
				Str("symbol", symbol).
				Str("timeframe", string(tf)).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("Repair fetch failed, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		batch, err := w.venue.FetchOHLCV(ctx, symbol, tf, since, w.cfg.BatchSize)
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

func (w *RepairWorker) lockSeries(symbol string, tf domain.Timeframe) func() {
	key := symbol + "/" + string(tf)
	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}
