package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/autoflow/storage"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the workflow tables in the configured SQL database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx := cmd.Context()
			switch cfg.Database.Driver {
			case "sqlite":
				store, err := storage.OpenSQLite(cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Migrate(ctx); err != nil {
					return err
				}
			case "postgres":
				pool, err := pgxpool.New(ctx, cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := storage.NewPostgresStorage(pool).Migrate(ctx); err != nil {
					return err
				}
			default:
				return fmt.Errorf("driver %q has no schema to migrate", cfg.Database.Driver)
			}
			logger.Info("migration complete", "driver", cfg.Database.Driver)
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", cfg.Database.Driver)
			return nil
		},
	}
}
