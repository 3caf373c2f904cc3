package decision

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// DecisionRepository persists decision rows. Allocations are stored as a
// JSON array so the feedback analyzer can re-weight outcomes later.
type DecisionRepository struct {
	db *sql.DB
}

func NewDecisionRepository(db *sql.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Insert writes one decision and sets d.ID.
func (r *DecisionRepository) Insert(d *Decision) error {
	allocs := d.Allocations
	if allocs == nil {
		allocs = []Allocation{}
	}
	blob, err := json.Marshal(allocs)
	if err != nil {
		return fmt.Errorf("failed to encode allocations: %w", err)
	}
	res, err := r.db.Exec(
		`INSERT INTO decisions
		 (ts, symbol, timeframe, regime, allocations_json, total_position,
		  confidence, reasoning, source, prompt_version, model_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Ts, d.Symbol, d.Timeframe, d.Regime, string(blob), d.TotalPosition,
		d.Confidence, nullString(d.Reasoning), d.Source,
		nullString(d.PromptVersion), nullString(d.ModelVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read decision id: %w", err)
	}
	return nil
}

// Latest returns the newest decision for the symbol, nil when none exists.
func (r *DecisionRepository) Latest(symbol string) (*Decision, error) {
	row := r.db.QueryRow(selectDecision+` WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT 1`, symbol)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest decision: %w", err)
	}
	return d, nil
}

// ListRecent returns the newest limit decisions for the symbol in
// ascending timestamp order, the shape the feedback windows want.
func (r *DecisionRepository) ListRecent(symbol string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = feedbackWindow
	}
	rows, err := r.db.Query(
		selectDecision+` WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query, oldest-first result.
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	return decisions, nil
}

const selectDecision = `
	SELECT id, ts, symbol, timeframe, regime, allocations_json, total_position,
	       confidence, COALESCE(reasoning, ''), source,
	       COALESCE(prompt_version, ''), COALESCE(model_version, '')
	FROM decisions`

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	var blob string
	if err := row.Scan(
		&d.ID, &d.Ts, &d.Symbol, &d.Timeframe, &d.Regime, &blob,
		&d.TotalPosition, &d.Confidence, &d.Reasoning, &d.Source,
		&d.PromptVersion, &d.ModelVersion,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blob), &d.Allocations); err != nil {
		return nil, fmt.Errorf("failed to decode allocations: %w", err)
	}
	return &d, nil
}

// LLMRunRepository persists the audit row written for every provider call.
type LLMRunRepository struct {
	db *sql.DB
}

func NewLLMRunRepository(db *sql.DB) *LLMRunRepository {
	return &LLMRunRepository{db: db}
}

// Insert writes one run and sets run.ID.
func (r *LLMRunRepository) Insert(run *LLMRun) error {
	res, err := r.db.Exec(
		`INSERT INTO llm_runs (ts, provider, model, latency_ms, prompt, response, outcome, reject_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Ts, run.Provider, run.Model, run.LatencyMs, run.Prompt,
		nullString(run.Response), run.Outcome, nullString(run.RejectReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert llm run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read llm run id: %w", err)
	}
	return nil
}

// ListRecent returns the newest runs, newest first.
func (r *LLMRunRepository) ListRecent(limit int) ([]LLMRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, ts, provider, model, latency_ms, prompt,
		        COALESCE(response, ''), outcome, COALESCE(reject_reason, '')
		 FROM llm_runs ORDER BY ts DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query llm runs: %w", err)
	}
	defer rows.Close()

	var runs []LLMRun
	for rows.Next() {
		var run LLMRun
		if err := rows.Scan(
			&run.ID, &run.Ts, &run.Provider, &run.Model, &run.LatencyMs,
			&run.Prompt, &run.Response, &run.Outcome, &run.RejectReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan llm run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rowScanner is the shared surface of *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
