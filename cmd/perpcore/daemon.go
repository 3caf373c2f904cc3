package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meridianq/perpcore/internal/clients/llm"
	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/config"
	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/decision"
	"github.com/meridianq/perpcore/internal/modules/execution"
	"github.com/meridianq/perpcore/internal/modules/ingest"
	"github.com/meridianq/perpcore/internal/modules/integrity"
	"github.com/meridianq/perpcore/internal/modules/marketdata"
	"github.com/meridianq/perpcore/internal/modules/reconcile"
	"github.com/meridianq/perpcore/internal/modules/risk"
	"github.com/meridianq/perpcore/internal/regime"
	"github.com/meridianq/perpcore/internal/reliability"
	"github.com/meridianq/perpcore/internal/scheduler"
	"github.com/meridianq/perpcore/internal/services"
	"github.com/meridianq/perpcore/internal/strategy"
)

const (
	executorSimulated = "simulated"
	executorLive      = "live"

	decisionModePortfolio = "portfolio"
	decisionModeLLM       = "llm"

	// Paper fill defaults for the daemon's simulated executor; the venue's
	// taker rate and a flat spread cost.
	paperFeeRate     = 0.0005
	paperSlippageBps = 5
)

type daemonOptions struct {
	symbol       string
	timeframe    domain.Timeframe
	executor     string
	decisionMode string
	equity       float64
}

func daemonCmd() *cobra.Command {
	var (
		symbol       string
		timeframe    string
		executorMode string
		decisionMode string
		equity       float64
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the trading loops until interrupted",
		Long: `daemon runs every loop on one scheduler: market-data ingest, integrity
scan and repair, the decision/execution cycle, account and order sync
(live executor only), and store maintenance. SIGINT or SIGTERM drains
running ticks and checkpoints the store before exit.`,
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
			switch executorMode {
			case executorSimulated, executorLive:
			default:
				return exitErr(exitConfig, fmt.Errorf("--executor must be %s or %s, got %q", executorSimulated, executorLive, executorMode))
			}
			switch decisionMode {
			case decisionModePortfolio, decisionModeLLM:
			default:
				return exitErr(exitConfig, fmt.Errorf("--decision-mode must be %s or %s, got %q", decisionModePortfolio, decisionModeLLM, decisionMode))
			}
			if decisionMode == decisionModeLLM && !cfg.LLMEnabled() {
				return exitErr(exitConfig, errors.New("--decision-mode llm requires LLM_PROVIDER"))
			}
			if executorMode == executorLive {
				if !cfg.Trading.Enabled {
					return exitErr(exitKillSwitch, errors.New("kill switch engaged: set TRADING_ENABLED=true to run --executor live"))
				}
				if cfg.OKX.APIKey == "" || cfg.OKX.APISecret == "" {
					return exitErr(exitConfig, errors.New("--executor live requires OKX_API_KEY and OKX_API_SECRET"))
				}
			}

			return runDaemon(cmd.Context(), cfg, log, daemonOptions{
				symbol:       symbol,
				timeframe:    tf,
				executor:     executorMode,
				decisionMode: decisionMode,
				equity:       equity,
			})
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument to trade (default: OKX_DEFAULT_SYMBOL)")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1h", "decision timeframe")
	cmd.Flags().StringVar(&executorMode, "executor", executorSimulated, "execution backend: simulated or live")
	cmd.Flags().StringVar(&decisionMode, "decision-mode", decisionModePortfolio, "decision source: portfolio or llm")
	cmd.Flags().Float64Var(&equity, "equity", 0, "fixed equity override in USDT (default: latest synced balance)")
	return cmd
}

type jobSpec struct {
	schedule string
	timeout  time.Duration
	job      scheduler.Job
}

func runDaemon(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts daemonOptions) error {
	live := opts.executor == executorLive

	// Live money gets the fsync-on-every-write profile.
	profile := database.ProfileStandard
	if live {
		profile = database.ProfileLedger
	}
	db, err := database.New(database.Config{Path: cfg.DatabasePath, Profile: profile})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if _, err := db.Migrate(log); err != nil {
		return exitErr(exitMigration, fmt.Errorf("migration failed: %w", err))
	}
	conn := db.Conn()

	venue := okx.NewClient(venueConfig(cfg), log)

	// Repositories.
	candles := ingest.NewCandleRepository(conn, log)
	derivs := ingest.NewDerivativesRepository(conn, log)
	ingestRuns := ingest.NewRunRepository(conn)
	intEvents := integrity.NewEventRepository(conn, log)
	intJobs := integrity.NewJobRepository(conn, log)
	riskEvents := risk.NewEventRepository(conn, opts.symbol)
	orders := execution.NewOrderRepository(conn)
	positions := execution.NewPositionRepository(conn)
	snapshots := reconcile.NewSnapshotRepository(conn)

	// Decision stack.
	market := marketdata.NewService(conn, log)
	classifier := regime.NewClassifier(classifierConfig(cfg), log)
	registry := strategy.NewPopulatedRegistry(opts.timeframe, log)
	scorer := decision.NewScheduler(decision.SchedulerConfig{
		TopK:           cfg.Portfolio.TopK,
		MinScore:       cfg.Portfolio.MinScore,
		GlobalLeverage: cfg.Portfolio.GlobalLeverage,
	}, registry, log)

	var llmEngine *decision.LLMEngine
	if opts.decisionMode == decisionModeLLM {
		client := llm.NewClient(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			APIBase:  cfg.LLM.APIBase,
			Model:    cfg.LLM.Model,
			Timeout:  secondsToDuration(cfg.LLM.TimeoutS),
		}, log)
		llmEngine = decision.NewLLMEngine(decision.LLMEngineConfig{
			MinConfidence:  cfg.Risk.MinConfidence,
			GlobalLeverage: cfg.Portfolio.GlobalLeverage,
		}, client, decision.NewLLMRunRepository(conn), log)
	}

	engine := decision.NewEngine(
		decision.EngineConfig{Symbol: opts.symbol, Timeframe: opts.timeframe},
		market, classifier, registry,
		decision.NewAnalyzer(conn, log),
		scorer, llmEngine,
		decision.NewDecisionRepository(conn),
		log,
	)

	// Execution stack.
	lifecycle := execution.NewManager(conn, log)
	var executor execution.Executor
	if live {
		executor = execution.NewLiveExecutor(venue, orders, lifecycle, execution.LiveConfig{
			TDMode:       cfg.OKX.TDMode,
			PosMode:      cfg.OKX.PosMode,
			WaitFill:     cfg.OKX.WaitFill,
			FillTimeout:  secondsToDuration(cfg.OKX.FillTimeoutS),
			FillInterval: secondsToDuration(cfg.OKX.FillIntervalS),
		}, log)
	} else {
		executor = execution.NewSimulatedExecutor(orders, lifecycle, execution.SimulatedConfig{
			Slippage: execution.Slippage{Model: execution.SlippageFixed, BaseBps: paperSlippageBps},
			FeeRate:  paperFeeRate,
		}, log)
	}

	gate := risk.NewGate(risk.Config{
		TradingEnabled:  cfg.Trading.Enabled,
		MaxNotional:     cfg.Risk.MaxNotional,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		MinConfidence:   cfg.Risk.MinConfidence,
		MaxDailyLossPct: cfg.Risk.MaxDailyLoss,
		CooldownLosses:  cfg.Risk.CooldownLosses,
		CooldownBars:    cfg.Risk.CooldownBars,
	}, risk.NewStore(conn), riskEvents, log)

	allocator := execution.NewAllocator(execution.AllocatorConfig{
		DiffThresholdBps: cfg.Portfolio.DiffThreshold,
		MinNotional:      cfg.Portfolio.MinNotional,
	}, log)

	cycle := services.NewTradeCycle(services.CycleConfig{
		Symbol:         opts.symbol,
		Timeframe:      opts.timeframe,
		GlobalLeverage: cfg.Portfolio.GlobalLeverage,
		EquityOverride: opts.equity,
		Live:           live,
	}, engine, market, allocator, gate, executor, positions, snapshots, log)

	// Loop workers.
	worker := ingest.NewWorker(venue, candles, derivs, ingestRuns, riskEvents, ingest.Config{
		Symbol:       opts.symbol,
		Timeframes:   cfg.Timeframes,
		BackfillDays: cfg.Trading.BackfillDays,
	}, log)
	scanner := integrity.NewScanner(candles, intEvents, intJobs, log)
	repairer := integrity.NewRepairWorker(venue, candles, intJobs, intEvents, integrity.RepairConfig{}, log)

	ingestJob := scheduler.Func("ingest", worker.SyncAll)
	integrityJob := scheduler.Func("integrity", func(ctx context.Context) error {
		// Zero bounds scan each stored series end to end; repairs drain
		// immediately so a found gap closes within the same tick.
		if _, err := scanner.ScanAndSchedule(opts.symbol, cfg.Timeframes, 0, 0); err != nil {
			return err
		}
		_, err := repairer.ProcessPending(ctx)
		return err
	})

	var accountJob, orderJob scheduler.Job
	if live {
		accounts := reconcile.NewAccountSyncer(
			reconcile.AccountConfig{Symbol: opts.symbol},
			venue, snapshots, positions, riskEvents, log,
		)
		orderSync := reconcile.NewOrderSyncer(
			reconcile.OrderConfig{Symbol: opts.symbol},
			venue, orders, lifecycle, log,
		)
		accountJob = scheduler.Func("account_sync", accounts.Sync)
		orderJob = scheduler.Func("order_sync", func(ctx context.Context) error {
			_, err := orderSync.Sync(ctx)
			return err
		})
	}

	ingestEvery := time.Duration(cfg.Intervals.Ingest) * time.Second
	decideEvery := time.Duration(cfg.Intervals.Decision) * time.Second
	integrityEvery := time.Duration(cfg.Intervals.Integrity) * time.Second

	specs := []jobSpec{
		{scheduler.Every(ingestEvery), ingestEvery, ingestJob},
		{scheduler.Every(decideEvery), decideEvery, cycle},
		{scheduler.Every(integrityEvery), integrityEvery, integrityJob},
		{scheduler.Every(5 * time.Minute), time.Minute,
			reliability.NewMaintenanceJob(db, reliability.MaintenanceConfig{CheckpointMode: "PASSIVE"}, log)},
		{"@daily", 30 * time.Minute,
			reliability.NewMaintenanceJob(db, reliability.MaintenanceConfig{
				CheckpointMode: "TRUNCATE",
				FullIntegrity:  true,
				Vacuum:         true,
				MinFreeDiskGB:  1,
			}, log)},
		{scheduler.Every(time.Minute), 30 * time.Second,
			reliability.NewResourceMonitor(filepath.Dir(cfg.DatabasePath), reliability.MonitorConfig{}, log)},
	}
	if live {
		accountEvery := time.Duration(cfg.Intervals.Account) * time.Second
		orderEvery := time.Duration(cfg.Intervals.Order) * time.Second
		specs = append(specs,
			jobSpec{scheduler.Every(accountEvery), accountEvery, accountJob},
			jobSpec{scheduler.Every(orderEvery), orderEvery, orderJob},
		)
	}
	if cfg.BackupDir != "" {
		specs = append(specs, jobSpec{"@daily", 30 * time.Minute,
			reliability.NewBackupJob(db, reliability.BackupConfig{Dir: cfg.BackupDir, Keep: 7, RetainDays: 30}, log)})
	}

	sched := scheduler.New(ctx, log)
	for _, s := range specs {
		if err := sched.AddJob(s.schedule, s.timeout, s.job); err != nil {
			return err
		}
	}

	// Prime the store and the local book once before the schedule takes
	// over, the way each loop would have run on its first tick. Failures
	// here are the loops' own failures; the daemon starts regardless.
	if err := sched.RunNow(ingestJob, ingestEvery); err != nil {
		log.Warn().Err(err).Msg("Initial ingest failed, loops continue")
	}
	if live {
		if err := sched.RunNow(accountJob, time.Minute); err != nil {
			log.Warn().Err(err).Msg("Initial account sync failed")
		}
		if err := sched.RunNow(orderJob, time.Minute); err != nil {
			log.Warn().Err(err).Msg("Initial order sync failed")
		}
	}
	if err := sched.RunNow(cycle, decideEvery); err != nil {
		log.Warn().Err(err).Msg("Initial trading cycle failed")
	}

	sched.Start()
	log.Info().
		Str("symbol", opts.symbol).
		Str("timeframe", string(opts.timeframe)).
		Str("executor", opts.executor).
		Str("decision_mode", opts.decisionMode).
		Bool("trading_enabled", cfg.Trading.Enabled).
		Msg("Daemon started")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining loops")
	sched.Stop()

	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}
	log.Info().Msg("Daemon stopped")
	return nil
}
