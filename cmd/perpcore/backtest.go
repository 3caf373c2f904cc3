package main

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/backtest"
	"github.com/meridianq/perpcore/internal/modules/decision"
	"github.com/meridianq/perpcore/internal/modules/execution"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/modules/risk"
	"github.com/meridianq/perpcore/internal/regime"
	"github.com/meridianq/perpcore/internal/strategy"
)

func backtestCmd() *cobra.Command {
	var (
		symbol     string
		timeframe  string
		strategyID string
		start      string
		end        string
		capital    float64
		fee        float64
		slipModel  string
		slipBps    float64
		jitterBps  float64
		seed       int64
		funding    bool
		params     string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored candles through the decision and fill pipeline",
		Long: `backtest replays a stored candle range bar by bar: signals at the close
of bar i fill at the open of bar i+1 through the simulated executor, with
the regime classifier, portfolio scheduler, and risk gate in the loop.
Naming a --strategy bypasses scheduling but not risk. The run and its
trades, positions, decisions, and equity curve persist in the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if symbol == "" {
				symbol = cfg.Symbol
			}
			tf := domain.Timeframe(timeframe)
			if !tf.Valid() {
				return exitErr(exitConfig, fmt.Errorf("unsupported timeframe %q", timeframe))
			}
			startTs, err := parseTimestamp(start)
			if err != nil {
				return exitErr(exitConfig, fmt.Errorf("--start: %w", err))
			}
			endTs, err := parseTimestamp(end)
			if err != nil {
				return exitErr(exitConfig, fmt.Errorf("--end: %w", err))
			}
			if endTs <= startTs {
				return exitErr(exitConfig, fmt.Errorf("--end must be after --start"))
			}
			if capital <= 0 {
				return exitErr(exitConfig, fmt.Errorf("--capital must be positive, got %v", capital))
			}
			fill := execution.SimulatedConfig{
				Slippage:  execution.Slippage{Model: slipModel, BaseBps: slipBps},
				FeeRate:   fee,
				JitterBps: jitterBps,
				Seed:      seed,
			}
			if err := fill.Slippage.Validate(); err != nil {
				return exitErr(exitConfig, fmt.Errorf("--slippage-model: %w", err))
			}

			db, err := database.New(database.Config{Path: cfg.DatabasePath})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			if _, err := db.Migrate(log); err != nil {
				return exitErr(exitMigration, fmt.Errorf("migration failed: %w", err))
			}
			conn := db.Conn()

			registry := strategy.NewPopulatedRegistry(tf, log)
			if params != "" {
				if err := registry.ApplyOverridesFile(params); err != nil {
					return exitErr(exitConfig, fmt.Errorf("--params: %w", err))
				}
			}

			engine := backtest.NewEngine(backtest.EngineConfig{
				Scheduler: decision.SchedulerConfig{
					TopK:           cfg.Portfolio.TopK,
					MinScore:       cfg.Portfolio.MinScore,
					GlobalLeverage: cfg.Portfolio.GlobalLeverage,
				},
				Allocator: execution.AllocatorConfig{
					DiffThresholdBps: cfg.Portfolio.DiffThreshold,
					MinNotional:      cfg.Portfolio.MinNotional,
				},
			},
				marketdata.NewService(conn, log),
				regime.NewClassifier(classifierConfig(cfg), log),
				registry,
				backtest.NewRunRepository(conn),
				log,
			)

			res, err := engine.Run(cmd.Context(), backtest.Request{
				Symbol:         symbol,
				Timeframe:      tf,
				StartTs:        startTs,
				EndTs:          endTs,
				InitialCapital: decimal.NewFromFloat(capital),
				StrategyID:     strategyID,
				Fill:           fill,
				Risk: risk.Config{
					MaxNotional:     cfg.Risk.MaxNotional,
					MaxLeverage:     cfg.Risk.MaxLeverage,
					MinConfidence:   cfg.Risk.MinConfidence,
					MaxDailyLossPct: cfg.Risk.MaxDailyLoss,
					CooldownLosses:  cfg.Risk.CooldownLosses,
					CooldownBars:    cfg.Risk.CooldownBars,
				},
				AccrueFunding: funding,
			})
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument to replay (default: OKX_DEFAULT_SYMBOL)")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1h", "candle timeframe")
	cmd.Flags().StringVar(&strategyID, "strategy", "", "run a single strategy instead of the portfolio blend")
	cmd.Flags().StringVar(&start, "start", "", "range start, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "range end, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().Float64Var(&capital, "capital", 10000, "initial capital in USDT")
	cmd.Flags().Float64Var(&fee, "fee", 0.0005, "taker fee rate per fill")
	cmd.Flags().StringVar(&slipModel, "slippage-model", "", "fixed_bps, vol_scaled, or size_impact (default: none)")
	cmd.Flags().Float64Var(&slipBps, "slippage-bps", 0, "base slippage in basis points")
	cmd.Flags().Float64Var(&jitterBps, "jitter-bps", 0, "random fill jitter in basis points")
	cmd.Flags().Int64Var(&seed, "seed", 1, "fill model seed")
	cmd.Flags().BoolVar(&funding, "funding", false, "accrue 8h funding against open positions")
	cmd.Flags().StringVar(&params, "params", "", "YAML file of per-strategy parameter overrides")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// timestampLayouts accepts full RFC3339, minute precision, and bare dates.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (int64, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q, want RFC3339 or YYYY-MM-DD", s)
}

func printSummary(w io.Writer, res *backtest.Result) {
	run := res.Run
	m := run.Metrics

	fmt.Fprintf(w, "Backtest %s  %s\n", run.RunID, run.Status)
	fmt.Fprintf(w, "  market:        %s %s\n", run.Symbol, run.Timeframe)
	fmt.Fprintf(w, "  period:        %s to %s\n", formatTs(run.StartTs), formatTs(run.EndTs))
	if run.Params.StrategyID != "" {
		fmt.Fprintf(w, "  strategy:      %s\n", run.Params.StrategyID)
	} else {
		fmt.Fprintf(w, "  strategy:      portfolio blend (top %d)\n", run.Params.TopK)
	}
	fmt.Fprintf(w, "  initial:       %s\n", run.InitialCapital.StringFixed(2))
	fmt.Fprintf(w, "  final equity:  %.2f\n", m.FinalEquity)
	fmt.Fprintf(w, "  total return:  %.2f%%\n", m.TotalReturnPct)
	fmt.Fprintf(w, "  max drawdown:  %.2f%% (%d bars)\n", m.MaxDrawdown*100, m.MaxDrawdownBars)
	fmt.Fprintf(w, "  sharpe:        %.2f  sortino: %.2f  calmar: %.2f\n", m.Sharpe, m.Sortino, m.Calmar)
	fmt.Fprintf(w, "  trades:        %d (%d wins, %.1f%% win rate)\n", m.Trades, m.Wins, m.WinRate*100)
	if m.ProfitFactor != nil {
		fmt.Fprintf(w, "  profit factor: %.2f\n", *m.ProfitFactor)
	}
	if run.Params.AccrueFunding {
		fmt.Fprintf(w, "  funding pnl:   %.2f\n", m.FundingPnL)
	}
}

func formatTs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
