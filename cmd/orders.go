package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List open orders on the venue",
	Long: `List all resting orders for the configured account.

Shows per-order symbol, side, price, size and fill progress, plus the
total notional locked in resting orders.`,
	Args: cobra.NoArgs,
	RunE: runOrders,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(ordersCmd)
}

func runOrders(cmd *cobra.Command, args []string) error {
	_, logger, client, err := cliSetup(false)
	if err != nil {
		return err
	}
	defer syncLogger(logger)()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orders, err := client.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	if len(orders) == 0 {
		fmt.Println("No open orders.")
		return nil
	}

	displayOrdersTable(orders)

	buys, sells, locked := summarizeOrders(orders)
	fmt.Println("\n========================================")
	fmt.Println("Summary")
	fmt.Println("========================================")
	fmt.Printf("Total Orders:     %d\n", len(orders))
	fmt.Printf("  BUY:            %d\n", buys)
	fmt.Printf("  SELL:           %d\n", sells)
	fmt.Printf("Locked Notional:  $%.2f\n", locked)

	return nil
}

func displayOrdersTable(orders []types.Order) {
	fmt.Println("\n========================================")
	fmt.Println("Open Orders")
	fmt.Println("========================================")
	fmt.Printf("%-12s %-8s %-6s %12s %12s %12s\n",
		"Order ID", "Symbol", "Side", "Price", "Size", "Remaining")
	fmt.Println("--------------------------------------------------------------------------------")

	for i := range orders {
		o := &orders[i]
		fmt.Printf("%-12d %-8s %-6s %12.2f %12.5f %12.5f\n",
			o.VenueOrderID, o.Symbol, o.Side, o.Price, o.Size, o.Remaining())
	}
}

// summarizeOrders counts sides and sums remaining notional.
func summarizeOrders(orders []types.Order) (buys, sells int, locked float64) {
	for i := range orders {
		o := &orders[i]
		if o.Side == types.ActionBuy {
			buys++
		} else {
			sells++
		}
		locked += o.Price * o.Remaining()
	}

	return buys, sells, locked
}
