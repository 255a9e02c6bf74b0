package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// TestPrivateKey is a well-known throwaway secp256k1 key for signing in
// tests. Never fund the corresponding address.
const TestPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// Signal builds a high-confidence market entry signal.
func Signal(symbol, action string) *types.TradingSignal {
	return &types.TradingSignal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Action:     action,
		Confidence: 0.9,
		OrderType:  types.OrderTypeMarket,
		Reason:     "test signal",
		Strategy:   "test-strategy",
		CreatedAt:  time.Now(),
	}
}

// Assessment builds an approved risk assessment for the given notional.
func Assessment(notionalUSD float64) *types.RiskAssessment {
	return &types.RiskAssessment{
		Approved:        true,
		PositionSize:    notionalUSD,
		StopLossPct:     0.01,
		TakeProfitPct:   0.03,
		RiskRewardRatio: 3.0,
		RiskScore:       0.2,
		MaxLossUSD:      notionalUSD * 0.01,
		Leverage:        5,
	}
}

// LongPosition builds an open long with PnL derived from the prices.
func LongPosition(symbol string, size, entry, mark float64) types.Position {
	pnl := (mark - entry) * size

	return types.Position{
		Symbol:           symbol,
		Side:             types.SideLong,
		Size:             size,
		EntryPrice:       entry,
		MarkPrice:        mark,
		UnrealizedPnL:    pnl,
		UnrealizedPnLPct: pnl / (entry * size),
		Leverage:         5,
		MarginUsed:       entry * size / 5,
		UpdatedAt:        time.Now(),
	}
}

// ShortPosition builds an open short with PnL derived from the prices.
func ShortPosition(symbol string, size, entry, mark float64) types.Position {
	pnl := (entry - mark) * size

	return types.Position{
		Symbol:           symbol,
		Side:             types.SideShort,
		Size:             size,
		EntryPrice:       entry,
		MarkPrice:        mark,
		UnrealizedPnL:    pnl,
		UnrealizedPnLPct: pnl / (entry * size),
		Leverage:         5,
		MarginUsed:       entry * size / 5,
		UpdatedAt:        time.Now(),
	}
}

// OpenOrder builds a resting limit order.
func OpenOrder(symbol, side string, oid int64, price, size float64) types.Order {
	return types.Order{
		ID:           uuid.NewString(),
		VenueOrderID: oid,
		Symbol:       symbol,
		Side:         side,
		Type:         types.OrderTypeLimit,
		Price:        price,
		Size:         size,
		Status:       types.OrderStateOpen,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}
