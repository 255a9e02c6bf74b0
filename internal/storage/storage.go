package storage

import (
	"context"
	"time"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// TradeStore persists executed trades and analysis artifacts. The
// engine writes a row per submitted order; recovery and the ops surface
// read history and aggregates back.
type TradeStore interface {
	// SaveTrade persists one executed trade.
	SaveTrade(ctx context.Context, trade *types.TradeRecord) error

	// GetTrades returns trades matching filter, newest first. limit <= 0
	// means no limit.
	GetTrades(ctx context.Context, filter types.TradeFilter, limit int) ([]types.TradeRecord, error)

	// GetPortfolioPerformance aggregates realized results over the
	// trailing window.
	GetPortfolioPerformance(ctx context.Context, window time.Duration) (*types.PortfolioPerformance, error)

	// GetAllStrategies lists every registered strategy.
	GetAllStrategies(ctx context.Context) ([]types.StrategyRecord, error)

	// SaveAIInsight persists one advisory note.
	SaveAIInsight(ctx context.Context, insight *types.AIInsight) error

	// GetAIInsights returns insights of insightType (empty matches all),
	// newest first.
	GetAIInsights(ctx context.Context, insightType string, limit int) ([]types.AIInsight, error)

	// Close closes the storage connection.
	Close() error
}
