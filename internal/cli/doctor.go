package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chanforge/ingestfab/internal/cliconfig"
	"github.com/chanforge/ingestfab/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to Postgres, Kafka, CAS, Qdrant, Neo4j and the provider API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		report := cliconfig.RunDoctor(cmd.Context(), cfg)

		failures := 0
		for _, check := range report.Checks {
			symbol := "PASS"
			switch check.Status {
			case cliconfig.DoctorWarn:
				symbol = "WARN"
			case cliconfig.DoctorFail:
				symbol = "FAIL"
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", symbol, check.Name, check.Message)
		}
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}
