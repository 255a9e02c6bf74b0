package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// MemoryStore implements TradeStore in process memory. It backs tests
// and dry-run mode where no database is configured.
type MemoryStore struct {
	logger *zap.Logger

	// Protected by mutex
	mu         sync.RWMutex
	trades     []types.TradeRecord
	strategies []types.StrategyRecord
	insights   []types.AIInsight
}

// NewMemoryStore creates an in-memory trade store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	logger.Info("memory-store-initialized")

	return &MemoryStore{logger: logger}
}

// SaveTrade appends one trade.
func (m *MemoryStore) SaveTrade(_ context.Context, trade *types.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades = append(m.trades, *trade)

	return nil
}

// GetTrades returns trades matching filter, newest first.
func (m *MemoryStore) GetTrades(_ context.Context, filter types.TradeFilter, limit int) ([]types.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.TradeRecord
	for _, t := range m.trades {
		if filter.Symbol != "" && t.Symbol != filter.Symbol {
			continue
		}
		if filter.Strategy != "" && t.Strategy != filter.Strategy {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// GetPortfolioPerformance aggregates realized results over the trailing
// window.
func (m *MemoryStore) GetPortfolioPerformance(_ context.Context, window time.Duration) (*types.PortfolioPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perf := &types.PortfolioPerformance{Window: window, UpdatedAt: time.Now()}
	cutoff := time.Now().Add(-window)
	for _, t := range m.trades {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		perf.TradeCount++
		perf.RealizedPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			perf.WinCount++
		case t.RealizedPnL < 0:
			perf.LossCount++
		}
	}

	if decided := perf.WinCount + perf.LossCount; decided > 0 {
		perf.WinRate = float64(perf.WinCount) / float64(decided)
	}

	return perf, nil
}

// GetAllStrategies lists every registered strategy.
func (m *MemoryStore) GetAllStrategies(_ context.Context) ([]types.StrategyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]types.StrategyRecord(nil), m.strategies...), nil
}

// SeedStrategies replaces the strategy list. Dev/test helper; the
// Postgres store reads strategies maintained outside this process.
func (m *MemoryStore) SeedStrategies(strategies []types.StrategyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strategies = append([]types.StrategyRecord(nil), strategies...)
}

// SaveAIInsight appends one advisory note.
func (m *MemoryStore) SaveAIInsight(_ context.Context, insight *types.AIInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insights = append(m.insights, *insight)

	return nil
}

// GetAIInsights returns insights of insightType, newest first.
func (m *MemoryStore) GetAIInsights(_ context.Context, insightType string, limit int) ([]types.AIInsight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.AIInsight
	for _, in := range m.insights {
		if insightType != "" && in.Type != insightType {
			continue
		}
		out = append(out, in)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	m.logger.Info("closing-memory-store")

	return nil
}
