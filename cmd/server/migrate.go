package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/tides-backend/internal/config"
	"github.com/DoyleJ11/tides-backend/internal/observability"
	"github.com/DoyleJ11/tides-backend/internal/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return errors.New("migrate needs store.driver=postgres")
		}
		log, err := observability.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		db, err := postgres.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("schema migrated")
		return nil
	},
}
