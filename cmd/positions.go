package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List open positions on the venue",
	Long: `List all open perpetual positions for the configured account.

Shows size, entry and mark price, leverage, margin and unrealized PnL
per position plus portfolio totals.`,
	Args: cobra.NoArgs,
	RunE: runPositions,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(positionsCmd)
}

func runPositions(cmd *cobra.Command, args []string) error {
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

	if len(account.Positions) == 0 {
		fmt.Println("No open positions.")
		return nil
	}

	displayPositionsTable(account.Positions)
	displayPositionsSummary(account)

	return nil
}

func displayPositionsTable(positions []types.Position) {
	fmt.Println("\n========================================")
	fmt.Println("Open Positions")
	fmt.Println("========================================")
	fmt.Printf("%-8s %-6s %12s %12s %12s %5s %12s %9s\n",
		"Symbol", "Side", "Size", "Entry", "Mark", "Lev", "uPnL", "uPnL%")
	fmt.Println("--------------------------------------------------------------------------------")

	for i := range positions {
		p := &positions[i]
		fmt.Printf("%-8s %-6s %12.5f %12.2f %12.2f %4dx %+12.2f %+8.2f%%\n",
			p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice,
			p.Leverage, p.UnrealizedPnL, p.UnrealizedPnLPct*100)
	}
}

func displayPositionsSummary(account *types.PortfolioStatus) {
	longs, shorts, notional, upnl := summarizePositions(account.Positions)

	fmt.Println("\n========================================")
	fmt.Println("Summary")
	fmt.Println("========================================")
	fmt.Printf("Positions:        %d (%d long, %d short)\n",
		longs+shorts, longs, shorts)
	fmt.Printf("Total Notional:   $%.2f\n", notional)
	fmt.Printf("Unrealized PnL:   %+.2f\n", upnl)
	fmt.Printf("Account Equity:   $%.2f\n", account.TotalBalance)
	fmt.Printf("Margin Used:      $%.2f\n", account.MarginUsed)
}

// summarizePositions aggregates long/short counts, gross notional and
// unrealized PnL.
func summarizePositions(positions []types.Position) (longs, shorts int, notional, upnl float64) {
	for i := range positions {
		p := &positions[i]
		if p.Side == types.SideShort {
			shorts++
		} else {
			longs++
		}
		notional += p.Notional()
		upnl += p.UnrealizedPnL
	}

	return longs, shorts, notional, upnl
}
