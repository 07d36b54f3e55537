package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "trialmatch",
	Short: "Clinical trial patient matching service",
	Long: `trialmatch scores patients against a clinical trial's parsed eligibility
criteria and returns them ranked by how much of the inclusion criteria they meet.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
}

func Execute() error {
	return rootCmd.Execute()
}
