package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show account equity and margin",
	Long: `Show account equity, withdrawable margin, margin in use and
unrealized PnL for the configured account.`,
	Args: cobra.NoArgs,
	RunE: runBalance,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) error {
	_, logger, client, err := cliSetup(false)
	if err != nil {
		return err
	}
	defer syncLogger(logger)()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account, err := client.AccountState(ctx)
	if err != nil {
		return fmt.Errorf("fetch account state: %w", err)
	}

	fmt.Println("\n========================================")
	fmt.Println("Account Balance")
	fmt.Println("========================================")
	fmt.Printf("Equity:           $%.2f\n", account.TotalBalance)
	fmt.Printf("Available:        $%.2f\n", account.AvailableBalance)
	fmt.Printf("Margin Used:      $%.2f\n", account.MarginUsed)
	fmt.Printf("Unrealized PnL:   %+.2f\n", account.UnrealizedPnL)
	fmt.Printf("Open Positions:   %d\n", len(account.Positions))

	return nil
}
