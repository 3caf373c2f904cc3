package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianq/perpcore/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}

			db, err := database.New(database.Config{Path: cfg.DatabasePath})
			if err != nil {
				return exitErr(exitMigration, fmt.Errorf("failed to open database: %w", err))
			}
			defer db.Close()

			applied, err := db.Migrate(log)
			if err != nil {
				return exitErr(exitMigration, fmt.Errorf("migration failed: %w", err))
			}
			version, err := db.SchemaVersion()
			if err != nil {
				return exitErr(exitMigration, fmt.Errorf("failed to read schema version: %w", err))
			}
			log.Info().
				Int("applied", applied).
				Int("schema_version", version).
				Str("path", cfg.DatabasePath).
				Msg("Store is up to date")
			return nil
		},
	}
}
