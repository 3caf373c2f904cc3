package domain

// Integrity event types recorded by the scan and repair machinery.
const (
	IntegrityGap       = "GAP"
	IntegrityDuplicate = "DUPLICATE"
	IntegrityRepair    = "REPAIR"
)

// Severity buckets for integrity events, keyed off the missing bar count.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// GapSeverity buckets a missing-bar count: 100+ bars is HIGH, 20+ MEDIUM,
// anything smaller LOW.
func GapSeverity(missingBars int) string {
	switch {
	case missingBars >= 100:
		return SeverityHigh
	case missingBars >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IntegrityEvent is one persisted observation about the candle series:
// a hole in the grid, a key collision, or a completed repair. StartTs and
// EndTs are inclusive bar timestamps.
type IntegrityEvent struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	Type         string    `json:"type"`
	StartTs      int64     `json:"start_ts"`
	EndTs        int64     `json:"end_ts"`
	ExpectedBars int       `json:"expected_bars"`
	ActualBars   int       `json:"actual_bars"`
	Severity     string    `json:"severity"`
	DetectedAt   int64     `json:"detected_at"`
	RepairJobID  string    `json:"repair_job_id,omitempty"`
}

// MissingBars is the shortfall the event describes.
func (e IntegrityEvent) MissingBars() int {
	return e.ExpectedBars - e.ActualBars
}

// Repair job statuses.
const (
	RepairPending = "PENDING"
	RepairRunning = "RUNNING"
	RepairDone    = "DONE"
	RepairFailed  = "FAILED"
)

// RepairJob is a queued refetch of one candle range. At most one active
// (PENDING or RUNNING) job exists per (symbol, timeframe, range).
type RepairJob struct {
	JobID        string    `json:"job_id"`
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	StartTs      int64     `json:"start_ts"`
	EndTs        int64     `json:"end_ts"`
	Status       string    `json:"status"`
	RepairedBars int       `json:"repaired_bars"`
	Message      string    `json:"message"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
}

// Active reports whether the job still owns its range.
func (j RepairJob) Active() bool {
	return j.Status == RepairPending || j.Status == RepairRunning
}
