package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Helmsman - progressive delivery for trading strategies",
	Long: `Helmsman orchestrates progressive delivery of algorithmic trading
strategies: canary deployments with automatic rollback triggers,
blue-green production promotion with monitored traffic cutover,
and ordered, compensable recovery with state snapshots.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Helmsman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}
