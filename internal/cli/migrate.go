package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the relational store schema and row-level security policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := postgres.Open(cmd.Context(), cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		defer store.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}
