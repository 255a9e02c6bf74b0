package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var cancelOrdersCmd = &cobra.Command{
	Use:   "cancel-orders",
	Short: "Cancel resting orders",
	Long: `Cancel all resting orders for the configured account, or only
those for one symbol.

Examples:
  # Cancel everything
  perpstrader cancel-orders

  # Cancel only BTC orders
  perpstrader cancel-orders --symbol BTC`,
	Args: cobra.NoArgs,
	RunE: runCancelOrders,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(cancelOrdersCmd)
	cancelOrdersCmd.Flags().StringP("symbol", "s", "", "Only cancel orders for this symbol")
}

func runCancelOrders(cmd *cobra.Command, args []string) error {
	_, logger, client, err := cliSetup(true)
	if err != nil {
		return err
	}
	defer syncLogger(logger)()

	symbol, _ := cmd.Flags().GetString("symbol")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err = client.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize venue client: %w", err)
	}

	cancelled, err := client.CancelAllOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("cancel orders: %w", err)
	}

	if cancelled == 0 {
		fmt.Println("No matching open orders.")
		return nil
	}

	if symbol != "" {
		fmt.Printf("Cancelled %d %s order(s).\n", cancelled, symbol)
	} else {
		fmt.Printf("Cancelled %d order(s).\n", cancelled)
	}

	return nil
}
