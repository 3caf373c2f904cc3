// Package main is the perpcore entry point: a perpetual-futures trading
// core that ingests venue market data, decides allocations on a fixed
// cycle, gates every order through pre-trade risk, and executes simulated
// or live. Subcommands cover schema migration, one-shot backfill, the
// trading daemon, and backtesting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// SIGINT/SIGTERM cancel the root context; long-running commands drain
	// their loops off that cancellation.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "perpcore: %v\n", err)
		os.Exit(exitCode(err))
	}
}
