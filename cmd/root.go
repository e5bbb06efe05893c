package cmd

import (
	"github.com/spf13/cobra"

	"acsd/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "acsd",
	Short: "acsd - a CWMP/TR-069 Auto Configuration Server",
	Long: `acsd is an Auto Configuration Server for TR-069 managed devices (CPEs).
It accepts SOAP/XML exchanges over HTTP, tracks every CPE that announces
itself with an Inform, and drives a per-device queue of pending management
operations to completion.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
}
