package main

import (
	"log/slog"

	"github.com/open-sspm/poam-import/internal/config"
	"github.com/open-sspm/poam-import/internal/store/pgstore"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		changed, err := pgstore.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if !changed {
			slog.Info("no changes to apply")
			return nil
		}

		slog.Info("migrations applied successfully")
		return nil
	},
}
