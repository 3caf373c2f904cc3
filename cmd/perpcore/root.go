package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/config"
	"github.com/meridianq/perpcore/internal/regime"
)

// Process exit codes, stable for operator scripts.
const (
	exitConfig     = 1 // bad environment or flags
	exitMigration  = 2 // schema migration failed
	exitVenue      = 3 // venue unreachable after retries
	exitKillSwitch = 4 // live daemon refused while TRADING_ENABLED=false
)

// exitError pins the process exit code for a failure class. Errors
// without one exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute builds the command tree and runs it. Cobra's own error printing
// is silenced; main prints once and sets the exit code.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "perpcore",
		Short: "Perpetual futures trading core",
		Long: `perpcore runs a single-account perpetual-futures trading core against
OKX: candle/funding ingestion, integrity scanning and repair, a portfolio
scheduler (optionally fronted by an LLM proposer), a pre-trade risk gate,
and simulated or live order execution. State lives in one SQLite store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), ingestCmd(), daemonCmd(), backtestCmd())
	return root.ExecuteContext(ctx)
}

// bootstrap loads the environment configuration and builds the root
// logger. Every subcommand starts here; a bad environment is exit 1.
func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), exitErr(exitConfig, fmt.Errorf("failed to load configuration: %w", err))
	}

	level, lerr := zerolog.ParseLevel(cfg.LogLevel)
	if lerr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()

	return cfg, log, nil
}

// venueConfig maps the loaded environment onto the venue client.
func venueConfig(cfg *config.Config) okx.Config {
	return okx.Config{
		APIKey:     cfg.OKX.APIKey,
		APISecret:  cfg.OKX.APISecret,
		Passphrase: cfg.OKX.APIPassphrase,
		Demo:       cfg.OKX.IsDemo,
	}
}

// classifierConfig lays the env-tunable thresholds over the classifier
// defaults; the rest of the knobs stay at their timeframe conventions.
func classifierConfig(cfg *config.Config) regime.Config {
	rc := regime.DefaultConfig()
	rc.ADXTrend = cfg.Regime.ADXThreshold
	rc.BBWidthMax = cfg.Regime.BBWidthThreshold
	rc.ATRKillPct = cfg.Regime.ATRKillPct
	return rc
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
