// Package cli implements the pipeline binary's cobra command tree,
// grounded on the teacher's internal/cli.rootCmd/Execute pattern — a
// package-scope *cobra.Command wired up via each subcommand file's init().
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	logo    = "\n" +
		"  _                    _    __       _\n" +
		" (_)_ __   __ _  ___  | |  / _| __ _| |__\n" +
		" | | '_ \\ / _` |/ _ \\ | | | |_ / _` | '_ \\\n" +
		" | | | | | (_| |  __/ | | |  _| (_| | |_) |\n" +
		" |_|_| |_|\\__, |\\___| |_| |_|  \\__,_|_.__/\n" +
		"          |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "ingestfab — chat ingestion and enrichment pipeline fabric",
	Long:  color.CyanString(logo) + "\nIngests, tags, enriches, indexes and trend-detects across chat channels.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(runCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pipeline binary's version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}
