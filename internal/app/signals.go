package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// SubmitSignal runs a trading signal through the full approval
// pipeline: risk sizing, market-condition validation with confidence
// decay, then the execution engine. Exit signals skip the condition
// gate; closing risk must not be blocked by a wide spread.
func (a *App) SubmitSignal(ctx context.Context, signal *types.TradingSignal) (*types.TradeRecord, error) {
	if signal == nil {
		return nil, fmt.Errorf("signal cannot be nil")
	}

	account, err := a.venueClient.AccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("account state: %w", err)
	}

	assessment, err := a.riskMgr.EvaluateSignal(ctx, signal, account)
	if err != nil {
		return nil, fmt.Errorf("evaluate signal: %w", err)
	}

	position := account.FindPosition(signal.Symbol)
	isExit := signal.ReduceOnly
	if !isExit && position != nil && position.Size != 0 {
		closing := types.ActionSell
		if position.Side == types.SideShort {
			closing = types.ActionBuy
		}
		isExit = signal.Action == closing
	}

	if !isExit {
		conds, condErr := a.conditions.Get(ctx, signal.Symbol)
		if condErr != nil {
			return nil, fmt.Errorf("market conditions: %w", condErr)
		}

		err = a.validator.EvaluateConditions(conds)
		if err != nil {
			return nil, err
		}

		adjusted := a.validator.ValidateConfidence(signal, conds, assessment.PositionSize)
		if adjusted != signal.Confidence {
			a.logger.Info("signal-confidence-adjusted",
				zap.String("symbol", signal.Symbol),
				zap.Float64("from", signal.Confidence),
				zap.Float64("to", adjusted))
			signal.Confidence = adjusted
		}
	}

	return a.engine.ExecuteSignal(ctx, signal, assessment)
}
