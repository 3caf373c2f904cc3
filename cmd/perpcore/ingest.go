package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/ingest"
	"github.com/meridianq/perpcore/internal/modules/risk"
)

func ingestCmd() *cobra.Command {
	var (
		symbol     string
		timeframes string
		sinceDays  int
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "One-shot backfill of candles, funding, and price snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if symbol == "" {
				symbol = cfg.Symbol
			}
			tfs := cfg.Timeframes
			if timeframes != "" {
				tfs, err = domain.ParseTimeframes(timeframes)
				if err != nil {
					return exitErr(exitConfig, fmt.Errorf("--timeframes: %w", err))
				}
			}
			if sinceDays <= 0 {
				sinceDays = cfg.Trading.BackfillDays
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
			worker := ingest.NewWorker(
				okx.NewClient(venueConfig(cfg), log),
				ingest.NewCandleRepository(conn, log),
				ingest.NewDerivativesRepository(conn, log),
				ingest.NewRunRepository(conn),
				risk.NewEventRepository(conn, symbol),
				ingest.Config{Symbol: symbol, Timeframes: tfs, BackfillDays: sinceDays},
				log,
			)

			if err := worker.SyncAll(cmd.Context()); err != nil {
				// The worker already spent its retry budget per batch.
				if okx.IsTransient(err) {
					return exitErr(exitVenue, fmt.Errorf("venue unreachable: %w", err))
				}
				return err
			}
			log.Info().
				Str("symbol", symbol).
				Int("since_days", sinceDays).
				Msg("Backfill complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument to backfill (default: OKX_DEFAULT_SYMBOL)")
	cmd.Flags().StringVar(&timeframes, "timeframes", "", "comma-separated timeframes, e.g. 15m,1h (default: INGEST_TIMEFRAMES)")
	cmd.Flags().IntVar(&sinceDays, "since-days", 0, "days of history to backfill (default: INGEST_BACKFILL_DAYS)")
	return cmd
}
