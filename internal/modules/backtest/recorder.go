package backtest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/decision"
)

// Run statuses. A run is RUNNING from Start until Complete or Fail; a
// RUNNING row with no children marks a crashed run.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Trade actions, by how the fill moved the position.
const (
	ActionOpen   = "OPEN"
	ActionAdd    = "ADD"
	ActionReduce = "REDUCE"
	ActionClose  = "CLOSE"
	ActionFlip   = "FLIP"
)

// RunParams are the knobs persisted with each run so a result can be
// reproduced from its row alone.
type RunParams struct {
	StrategyID     string  `json:"strategy_id,omitempty"`
	FeeRate        float64 `json:"fee_rate"`
	SlippageModel  string  `json:"slippage_model,omitempty"`
	SlippageBps    float64 `json:"slippage_bps"`
	JitterBps      float64 `json:"jitter_bps"`
	Seed           int64   `json:"seed"`
	TopK           int     `json:"top_k"`
	MinScore       float64 `json:"min_score"`
	GlobalLeverage float64 `json:"global_leverage"`
	AccrueFunding  bool    `json:"accrue_funding"`
}

// EquityPoint is one mark on the equity curve, taken at bar close.
// Drawdown is a ratio against the running peak.
type EquityPoint struct {
	Ts       int64           `json:"ts"`
	Equity   decimal.Decimal `json:"equity"`
	Drawdown float64         `json:"drawdown"`
}

// Run is one backtest run row.
type Run struct {
	ID             int64
	RunID          string
	CreatedAt      int64
	Symbol         string
	Timeframe      domain.Timeframe
	StartTs        int64
	EndTs          int64
	InitialCapital decimal.Decimal
	Params         RunParams
	Metrics        Metrics
	EquityCurve    []EquityPoint
	Status         string
}

// Trade is one simulated fill. ReturnPct is a ratio and only meaningful
// when RealizedPnL is set.
type Trade struct {
	ID          int64
	Ts          int64
	Side        domain.Side
	Action      string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.NullDecimal
	ReturnPct   float64
	StrategyID  string
	Reason      string
}

// PositionPoint is the position trace after each bar's fills.
type PositionPoint struct {
	Ts         int64
	PosSide    domain.PositionSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Equity     decimal.Decimal
}

// DecisionPoint is one replayed decision cycle.
type DecisionPoint struct {
	Ts            int64
	Regime        domain.Regime
	Allocations   []decision.Allocation
	TotalPosition float64
	Confidence    float64
	Reasoning     string
}

// Result bundles everything a finished run produced.
type Result struct {
	Run       *Run
	Trades    []Trade
	Positions []PositionPoint
	Decisions []DecisionPoint
}

// RunRepository persists backtest runs and their children.
type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start inserts the run row in RUNNING state and sets run.ID. The children
// arrive later through Complete, so an interrupted run leaves a RUNNING row
// and nothing else.
func (r *RunRepository) Start(run *Run) error {
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UTC().UnixMilli()
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run params: %w", err)
	}
	res, err := r.db.Exec(
		`INSERT INTO backtest_runs
		 (run_id, created_at, symbol, timeframe, start_ts, end_ts, initial_capital, params_json, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CreatedAt, run.Symbol, string(run.Timeframe),
		run.StartTs, run.EndTs, run.InitialCapital.String(), string(params), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backtest run: %w", err)
	}
	run.Status = StatusRunning
	if run.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read backtest run id: %w", err)
	}
	return nil
}

// Complete finalizes the run: metrics, equity curve, status, and every
// child row land in one transaction, so readers see either a RUNNING stub
// or the whole result.
func (r *RunRepository) Complete(run *Run, trades []Trade, positions []PositionPoint, decisions []DecisionPoint) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	curve := run.EquityCurve
	if curve == nil {
		curve = []EquityPoint{}
	}
	curveBlob, err := json.Marshal(curve)
	if err != nil {
		return fmt.Errorf("failed to encode equity curve: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE backtest_runs SET metrics_json = ?, equity_curve_json = ?, status = ?
			 WHERE run_id = ? AND status = ?`,
			string(metrics), string(curveBlob), StatusCompleted, run.RunID, StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to finalize backtest run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("backtest run %s is not running", run.RunID)
		}
		if err := insertTrades(tx, run.RunID, trades); err != nil {
			return err
		}
		if err := insertPositions(tx, run.RunID, positions); err != nil {
			return err
		}
		return insertDecisions(tx, run.RunID, decisions)
	})
	if err != nil {
		return err
	}
	run.Status = StatusCompleted
	return nil
}

// Fail marks the run FAILED, keeping the reason in metrics_json.
func (r *RunRepository) Fail(runID, reason string) error {
	blob, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Errorf("failed to encode failure reason: %w", err)
	}
	_, err = r.db.Exec(
		`UPDATE backtest_runs SET status = ?, metrics_json = ? WHERE run_id = ?`,
		StatusFailed, string(blob), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark backtest run failed: %w", err)
	}
	return nil
}

func insertTrades(tx *sql.Tx, runID string, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO backtest_trades
		(run_id, ts, side, action, price, amount, fee, realized_pnl, return_pct, strategy_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		var returnPct any
		if t.RealizedPnL.Valid {
			returnPct = t.ReturnPct
		}
		_, err := stmt.Exec(
			runID, t.Ts, string(t.Side), t.Action, t.Price.String(), t.Amount.String(),
			t.Fee.String(), nullDecimalOrNil(t.RealizedPnL), returnPct,
			nullString(t.StrategyID), nullString(t.Reason),
		)
		if err != nil {
			return fmt.Errorf("failed to insert backtest trade: %w", err)
		}
	}
	return nil
}

func insertPositions(tx *sql.Tx, runID string, positions []PositionPoint) error {
	if len(positions) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO backtest_positions (run_id, ts, pos_side, size, entry_price, equity)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare position insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		_, err := stmt.Exec(
			runID, p.Ts, string(p.PosSide), p.Size.String(),
			decimalOrNil(p.EntryPrice), p.Equity.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert backtest position: %w", err)
		}
	}
	return nil
}

func insertDecisions(tx *sql.Tx, runID string, decisions []DecisionPoint) error {
	if len(decisions) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO backtest_decisions
		(run_id, ts, regime, allocations_json, total_position, confidence, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare decision insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		allocs := d.Allocations
		if allocs == nil {
			allocs = []decision.Allocation{}
		}
		blob, err := json.Marshal(allocs)
		if err != nil {
			return fmt.Errorf("failed to encode allocations: %w", err)
		}
		_, err = stmt.Exec(
			runID, d.Ts, nullString(string(d.Regime)), string(blob),
			d.TotalPosition, d.Confidence, nullString(d.Reasoning),
		)
		if err != nil {
			return fmt.Errorf("failed to insert backtest decision: %w", err)
		}
	}
	return nil
}

// GetRun loads one run by its run_id, nil when it does not exist.
func (r *RunRepository) GetRun(runID string) (*Run, error) {
	row := r.db.QueryRow(
		`SELECT id, run_id, created_at, symbol, timeframe, start_ts, end_ts, initial_capital,
		        params_json, COALESCE(metrics_json, ''), COALESCE(equity_curve_json, ''), status
		 FROM backtest_runs WHERE run_id = ?`, runID,
	)
	var run Run
	var capital, params, metrics, curve string
	err := row.Scan(
		&run.ID, &run.RunID, &run.CreatedAt, &run.Symbol, &run.Timeframe,
		&run.StartTs, &run.EndTs, &capital, &params, &metrics, &curve, &run.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backtest run: %w", err)
	}
	if run.InitialCapital, err = decimal.NewFromString(capital); err != nil {
		return nil, fmt.Errorf("run initial_capital: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to decode run params: %w", err)
	}
	if metrics != "" && run.Status == StatusCompleted {
		if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode run metrics: %w", err)
		}
	}
	if curve != "" {
		if err := json.Unmarshal([]byte(curve), &run.EquityCurve); err != nil {
			return nil, fmt.Errorf("failed to decode equity curve: %w", err)
		}
	}
	return &run, nil
}

// ListRuns returns the newest runs, newest first.
func (r *RunRepository) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(
		`SELECT run_id FROM backtest_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		run, err := r.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// ListTrades returns the run's trades in fill order.
func (r *RunRepository) ListTrades(runID string) ([]Trade, error) {
	rows, err := r.db.Query(
		`SELECT id, ts, side, action, price, amount, fee,
		        COALESCE(realized_pnl, ''), COALESCE(return_pct, 0),
		        COALESCE(strategy_id, ''), COALESCE(reason, '')
		 FROM backtest_trades WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var side, price, amount, fee, pnl string
		err := rows.Scan(
			&t.ID, &t.Ts, &side, &t.Action, &price, &amount, &fee,
			&pnl, &t.ReturnPct, &t.StrategyID, &t.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backtest trade: %w", err)
		}
		t.Side = domain.Side(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("trade amount: %w", err)
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("trade fee: %w", err)
		}
		if t.RealizedPnL, err = parseNullDecimalField(pnl); err != nil {
			return nil, fmt.Errorf("trade realized_pnl: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListPositions returns the run's position trace in bar order.
func (r *RunRepository) ListPositions(runID string) ([]PositionPoint, error) {
	rows, err := r.db.Query(
		`SELECT ts, pos_side, size, COALESCE(entry_price, ''), equity
		 FROM backtest_positions WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest positions: %w", err)
	}
	defer rows.Close()

	var points []PositionPoint
	for rows.Next() {
		var p PositionPoint
		var side, size, entry, equity string
		if err := rows.Scan(&p.Ts, &side, &size, &entry, &equity); err != nil {
			return nil, fmt.Errorf("failed to scan backtest position: %w", err)
		}
		p.PosSide = domain.PositionSide(side)
		if p.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("position size: %w", err)
		}
		if entry != "" {
			if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
				return nil, fmt.Errorf("position entry_price: %w", err)
			}
		}
		if p.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, fmt.Errorf("position equity: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListDecisions returns the run's decision trace in bar order.
func (r *RunRepository) ListDecisions(runID string) ([]DecisionPoint, error) {
	rows, err := r.db.Query(
		`SELECT ts, COALESCE(regime, ''), allocations_json, total_position,
		        COALESCE(confidence, 0), COALESCE(reasoning, '')
		 FROM backtest_decisions WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest decisions: %w", err)
	}
	defer rows.Close()

	var points []DecisionPoint
	for rows.Next() {
		var d DecisionPoint
		var regime, blob string
		err := rows.Scan(&d.Ts, &regime, &blob, &d.TotalPosition, &d.Confidence, &d.Reasoning)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backtest decision: %w", err)
		}
		d.Regime = domain.Regime(regime)
		if err := json.Unmarshal([]byte(blob), &d.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations: %w", err)
		}
		points = append(points, d)
	}
	return points, rows.Err()
}

func parseNullDecimalField(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func decimalOrNil(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func nullDecimalOrNil(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
