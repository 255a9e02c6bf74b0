package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "perpstrader",
	Short: "Hyperliquid perpetual futures execution stack",
	Long: `Automated execution stack for Hyperliquid perpetual futures.

The daemon sizes approved trading signals against account risk limits,
submits them through a rate-limited signed venue client, enforces managed
stop-loss/take-profit exits, reconciles local position state against venue
truth, and sweeps for positions that need corrective action.

CLI verbs operate against the configured account: inspect positions,
orders and balance, cancel resting orders, close positions through the
execution engine, run a one-shot reconciliation, or capture a state
snapshot.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
