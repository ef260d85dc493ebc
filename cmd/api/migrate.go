package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyline/api/internal/config"
	"storyline/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreBackend != config.BackendPostgres {
			return fmt.Errorf("migrate requires the %s backend, configured %q", config.BackendPostgres, cfg.StoreBackend)
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) == 0 {
			log.Info().Msg("schema is up to date")
			return nil
		}
		for _, version := range applied {
			log.Info().Str("version", version).Msg("migration applied")
		}
		return nil
	},
}
