package integrity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/ingest"
)

// Scanner walks the expected bar grid of a stored candle range and records
// a GAP event per contiguous hole and a DUPLICATE event per key collision.
// Scans are read-only on the candle table; repairs run separately.
type Scanner struct {
	candles *ingest.CandleRepository
	events  *EventRepository
	jobs    *JobRepository
	log     zerolog.Logger

	now func() time.Time
}

func NewScanner(candles *ingest.CandleRepository, events *EventRepository, jobs *JobRepository, log zerolog.Logger) *Scanner {
	return &Scanner{
		candles: candles,
		events:  events,
		jobs:    jobs,
		log:     log.With().Str("component", "integrity").Logger(),
		now:     time.Now,
	}
}

// Scan diffs stored bars against the timeframe grid over [startTs, endTs]
// and persists one event per finding. A zero startTs/endTs defaults to the
// stored bounds of each series. Returns the events it recorded.
func (s *Scanner) Scan(symbol string, tfs []domain.Timeframe, startTs, endTs int64) ([]domain.IntegrityEvent, error) {
	var found []domain.IntegrityEvent
	for _, tf := range tfs {
		events, err := s.scanOne(symbol, tf, startTs, endTs)
		if err != nil {
			return found, fmt.Errorf("scan %s/%s: %w", symbol, tf, err)
		}
		found = append(found, events...)
	}
	return found, nil
}

func (s *Scanner) scanOne(symbol string, tf domain.Timeframe, startTs, endTs int64) ([]domain.IntegrityEvent, error) {
	bar := tf.Millis()
	if bar == 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}

	if startTs == 0 || endTs == 0 {
		minTs, maxTs, err := s.candles.TsBounds(symbol, tf)
		if err != nil {
			return nil, err
		}
		if maxTs == 0 {
			// Nothing stored yet; an empty series is not a gap.
			return nil, nil
		}
		if startTs == 0 {
			startTs = minTs
		}
		if endTs == 0 {
			endTs = maxTs
		}
	}

	first := tf.Align(startTs)
	if first < startTs {
		first += bar
	}
	last := tf.Align(endTs)
	if first > last {
		return nil, nil
	}

	stored, err := s.candles.ListTimestamps(symbol, tf, first, last)
	if err != nil {
		return nil, err
	}

	detectedAt := s.now().UTC().UnixMilli()
	var events []domain.IntegrityEvent

	// Single pass over the grid: stored is ascending, so one cursor tracks
	// the next stored row while ts walks every expected slot.
	i := 0
	gapStart := int64(-1)
	for ts := first; ts <= last; ts += bar {
		dup := 0
		for i < len(stored) && stored[i] == ts {
			dup++
			i++
		}
		if dup == 0 {
			if gapStart < 0 {
				gapStart = ts
			}
			continue
		}
		if gapStart >= 0 {
			events = append(events, s.gapEvent(symbol, tf, gapStart, ts-bar, bar, detectedAt))
			gapStart = -1
		}
		if dup > 1 {
			// The unique key should make this impossible; record it anyway.
			events = append(events, domain.IntegrityEvent{
				Symbol:       symbol,
				Timeframe:    tf,
				Type:         domain.IntegrityDuplicate,
				StartTs:      ts,
				EndTs:        ts,
				ExpectedBars: 1,
				ActualBars:   dup,
				Severity:     domain.SeverityHigh,
				DetectedAt:   detectedAt,
			})
		}
	}
	if gapStart >= 0 {
		events = append(events, s.gapEvent(symbol, tf, gapStart, last, bar, detectedAt))
	}

	for idx := range events {
		id, err := s.events.Insert(events[idx])
		if err != nil {
			return nil, err
		}
		events[idx].ID = id
		s.log.Warn().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Str("type", events[idx].Type).
			Int64("start_ts", events[idx].StartTs).
			Int64("end_ts", events[idx].EndTs).
			Int("missing", events[idx].MissingBars()).
			Str("severity", events[idx].Severity).
			Msg("Integrity finding")
	}
	return events, nil
}

func (s *Scanner) gapEvent(symbol string, tf domain.Timeframe, startTs, endTs, bar, detectedAt int64) domain.IntegrityEvent {
	missing := int((endTs-startTs)/bar) + 1
	return domain.IntegrityEvent{
		Symbol:       symbol,
		Timeframe:    tf,
		Type:         domain.IntegrityGap,
		StartTs:      startTs,
		EndTs:        endTs,
		ExpectedBars: missing,
		ActualBars:   0,
		Severity:     domain.GapSeverity(missing),
		DetectedAt:   detectedAt,
	}
}

// RequestRepair queues a refetch of [startTs, endTs]. If an active job
// already covers the exact range it is returned instead of queueing a
// second one.
func (s *Scanner) RequestRepair(symbol string, tf domain.Timeframe, startTs, endTs int64) (*domain.RepairJob, error) {
	existing, err := s.jobs.FindActive(symbol, tf, startTs, endTs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	nowMs := s.now().UTC().UnixMilli()
	job := domain.RepairJob{
		JobID:     uuid.New().String(),
		Symbol:    symbol,
		Timeframe: tf,
		StartTs:   startTs,
		EndTs:     endTs,
		Status:    domain.RepairPending,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
	if err := s.jobs.Insert(job); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("job_id", job.JobID).
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int64("start_ts", startTs).
		Int64("end_ts", endTs).
		Msg("Repair job queued")
	return &job, nil
}

// ScanAndSchedule runs a scan and queues one repair job per GAP found,
// linking each event to its job. Duplicates are recorded but not repaired;
// the unique key already keeps a second row out.
func (s *Scanner) ScanAndSchedule(symbol string, tfs []domain.Timeframe, startTs, endTs int64) ([]domain.IntegrityEvent, error) {
	events, err := s.Scan(symbol, tfs, startTs, endTs)
	if err != nil {
		return events, err
	}
	for idx, ev := range events {
		if ev.Type != domain.IntegrityGap {
			continue
		}
		job, err := s.RequestRepair(ev.Symbol, ev.Timeframe, ev.StartTs, ev.EndTs)
		if err != nil {
			return events, err
		}
		if err := s.events.AttachJob(ev.ID, job.JobID); err != nil {
			return events, err
		}
		events[idx].RepairJobID = job.JobID
	}
	return events, nil
}

// Coverage summarizes how complete a stored range is.
type Coverage struct {
	Symbol       string           `json:"symbol"`
	Timeframe    domain.Timeframe `json:"timeframe"`
	StartTs      int64            `json:"start_ts"`
	EndTs        int64            `json:"end_ts"`
	ExpectedBars int              `json:"expected_bars"`
	ActualBars   int              `json:"actual_bars"`
	Ratio        float64          `json:"ratio"`
}

// CoverageSummary counts stored versus expected bars over [startTs, endTs].
// A zero range defaults to the stored bounds.
func (s *Scanner) CoverageSummary(symbol string, tf domain.Timeframe, startTs, endTs int64) (*Coverage, error) {
	bar := tf.Millis()
	if bar == 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if startTs == 0 || endTs == 0 {
		minTs, maxTs, err := s.candles.TsBounds(symbol, tf)
		if err != nil {
			return nil, err
		}
		if startTs == 0 {
			startTs = minTs
		}
		if endTs == 0 {
			endTs = maxTs
		}
	}

	cov := &Coverage{Symbol: symbol, Timeframe: tf, StartTs: startTs, EndTs: endTs}
	if endTs == 0 || startTs > endTs {
		return cov, nil
	}

	first := tf.Align(startTs)
	if first < startTs {
		first += bar
	}
	last := tf.Align(endTs)
	if first > last {
		return cov, nil
	}

	actual, err := s.candles.CountRange(symbol, tf, first, last)
	if err != nil {
		return nil, err
	}
	cov.ExpectedBars = int((last-first)/bar) + 1
	cov.ActualBars = actual
	if cov.ExpectedBars > 0 {
		cov.Ratio = float64(actual) / float64(cov.ExpectedBars)
	}
	return cov, nil
}
