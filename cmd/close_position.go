package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/doctadg/perpstrader-sub009/internal/app"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var closePositionCmd = &cobra.Command{
	Use:   "close-position",
	Short: "Close an open position through the engine",
	Long: `Close an open position (fully or partially) by routing a
reduce-only market signal through the execution engine. The trade is
persisted and the position's managed exit plan is cleared like any other
engine exit.

Examples:
  # Close the whole BTC position
  perpstrader close-position --symbol BTC

  # Take off half
  perpstrader close-position --symbol BTC --pct 50`,
	Args: cobra.NoArgs,
	RunE: runClosePosition,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(closePositionCmd)
	closePositionCmd.Flags().StringP("symbol", "s", "", "Symbol of the position to close (required)")
	closePositionCmd.Flags().Float64P("pct", "p", 100, "Percentage of the position to close")
	_ = closePositionCmd.MarkFlagRequired("symbol")
}

func runClosePosition(cmd *cobra.Command, args []string) error {
	symbol, _ := cmd.Flags().GetString("symbol")
	pct, _ := cmd.Flags().GetFloat64("pct")

	if pct <= 0 || pct > 100 {
		return fmt.Errorf("pct must be in (0, 100], got %v", pct)
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	if cfg.HLPrivateKey == "" {
		return fmt.Errorf("HL_PRIVATE_KEY not set")
	}

	logger, err := newCLILogger(cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)()

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() { _ = application.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err = application.Venue().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize venue client: %w", err)
	}

	account, err := application.Venue().AccountState(ctx)
	if err != nil {
		return fmt.Errorf("fetch account state: %w", err)
	}

	position := account.FindPosition(symbol)
	if position == nil {
		return fmt.Errorf("no open position for %s", symbol)
	}

	signal := &types.TradingSignal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Action:     closingAction(position.Side),
		Confidence: 1.0,
		Size:       closeSize(position.Size, pct),
		OrderType:  types.OrderTypeMarket,
		ReduceOnly: true,
		Reason:     fmt.Sprintf("operator close %.0f%%", pct),
		Strategy:   "cli",
		CreatedAt:  time.Now(),
	}

	trade, err := application.SubmitSignal(ctx, signal)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	fmt.Printf("Closed %.5f %s %s @ %.2f (status %s)\n",
		trade.Quantity, symbol, position.Side, trade.Price, trade.Status)

	return nil
}

// closingAction returns the order side that reduces a position.
func closingAction(side string) string {
	if side == types.SideShort {
		return types.ActionBuy
	}

	return types.ActionSell
}

// closeSize converts a close percentage into a quantity.
func closeSize(positionSize, pct float64) float64 {
	return positionSize * pct / 100
}
