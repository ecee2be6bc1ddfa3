package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeee/chatsync/postgres"
	"github.com/edgeee/chatsync/telemetry"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return errors.New("migrate needs store=postgres")
			}
			logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			ctx := cmd.Context()
			pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}
