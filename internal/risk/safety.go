package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Breaker dimensions.
const (
	BreakerDailyLoss  = "daily_loss"
	BreakerDrawdown   = "drawdown"
	BreakerVolatility = "volatility"
	BreakerLiquidity  = "liquidity"
)

// Breaker actions.
const (
	BreakerHaltEntries = "halt_entries"
	BreakerReduceSize  = "reduce_size"
)

// CircuitBreaker is one monitored dimension and its trip state.
type CircuitBreaker struct {
	ID           string
	Type         string
	Triggered    bool
	Threshold    float64
	CurrentValue float64
	Action       string
	TriggeredAt  time.Time
	ResetAt      time.Time
}

// SafetySnapshot is the input CheckBreakers evaluates.
type SafetySnapshot struct {
	Equity        float64
	DailyPnL      float64
	AvgVolatility float64
	AvgDepthUSD   float64
}

// SnapshotFunc supplies the current account and market picture.
type SnapshotFunc func(ctx context.Context) (*SafetySnapshot, error)

// SafetyEngine trips circuit breakers on account damage and market
// stress, and answers the execution engine's pre-trade questions. Halt
// breakers block entries entirely; reduce breakers scale size down.
type SafetyEngine struct {
	snapshotFn      SnapshotFunc
	checkInterval   time.Duration
	resetAfter      time.Duration
	dailyLossUSD    float64
	maxDrawdownPct  float64
	maxVolatility   float64
	minDepthUSD     float64
	tradeMultiplier float64
	reducedSizeMult float64
	logger          *zap.Logger

	halted atomic.Bool

	// Protected by mutex
	mu           sync.RWMutex
	breakers     map[string]*CircuitBreaker
	peakEquity   float64
	recentTrades []float64
}

// SafetyConfig holds safety engine configuration.
type SafetyConfig struct {
	SnapshotFn      SnapshotFunc
	CheckInterval   time.Duration // default 30s
	ResetAfter      time.Duration // timed re-arm window, default 15m
	DailyLossUSD    float64       // halt threshold
	MaxDrawdownPct  float64       // halt threshold, default 0.1
	MaxVolatility   float64       // reduce threshold, default 0.05
	MinDepthUSD     float64       // reduce floor, default 5000
	TradeMultiplier float64       // liquidity threshold vs avg trade, default 3
	ReducedSizeMult float64       // multiplier while a reduce breaker is tripped, default 0.5
	Logger          *zap.Logger
}

// NewSafetyEngine creates a safety engine.
func NewSafetyEngine(cfg *SafetyConfig) (*SafetyEngine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.SnapshotFn == nil {
		return nil, fmt.Errorf("snapshot func cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DailyLossUSD <= 0 {
		return nil, fmt.Errorf("daily loss threshold must be positive")
	}

	e := &SafetyEngine{
		snapshotFn:      cfg.SnapshotFn,
		checkInterval:   defaultDuration(cfg.CheckInterval, 30*time.Second),
		resetAfter:      defaultDuration(cfg.ResetAfter, 15*time.Minute),
		dailyLossUSD:    cfg.DailyLossUSD,
		maxDrawdownPct:  defaultFloat(cfg.MaxDrawdownPct, 0.1),
		maxVolatility:   defaultFloat(cfg.MaxVolatility, 0.05),
		minDepthUSD:     defaultFloat(cfg.MinDepthUSD, 5000),
		tradeMultiplier: defaultFloat(cfg.TradeMultiplier, 3),
		reducedSizeMult: defaultFloat(cfg.ReducedSizeMult, 0.5),
		logger:          cfg.Logger,
		recentTrades:    make([]float64, 0, 20),
	}

	e.breakers = map[string]*CircuitBreaker{
		BreakerDailyLoss:  {ID: "breaker-daily-loss", Type: BreakerDailyLoss, Threshold: e.dailyLossUSD, Action: BreakerHaltEntries},
		BreakerDrawdown:   {ID: "breaker-drawdown", Type: BreakerDrawdown, Threshold: e.maxDrawdownPct, Action: BreakerHaltEntries},
		BreakerVolatility: {ID: "breaker-volatility", Type: BreakerVolatility, Threshold: e.maxVolatility, Action: BreakerReduceSize},
		BreakerLiquidity:  {ID: "breaker-liquidity", Type: BreakerLiquidity, Threshold: e.minDepthUSD, Action: BreakerReduceSize},
	}

	return e, nil
}

// Start checks once immediately, then monitors on the check interval
// until the context is cancelled.
func (e *SafetyEngine) Start(ctx context.Context) {
	e.logger.Info("safety-engine-started",
		zap.Duration("check_interval", e.checkInterval),
		zap.Float64("daily_loss_usd", e.dailyLossUSD),
		zap.Float64("max_drawdown_pct", e.maxDrawdownPct))

	if err := e.CheckBreakers(ctx); err != nil {
		e.logger.Error("initial-breaker-check-failed", zap.Error(err))
	}

	go e.monitorLoop(ctx)
}

func (e *SafetyEngine) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("safety-engine-stopped")

			return
		case <-ticker.C:
			if err := e.CheckBreakers(ctx); err != nil {
				e.logger.Error("breaker-check-error", zap.Error(err))
			}
		}
	}
}

// CheckBreakers pulls a fresh snapshot and updates every breaker.
// Tripped breakers re-arm after the reset window once their dimension is
// back inside the threshold.
func (e *SafetyEngine) CheckBreakers(ctx context.Context) error {
	snapshot, err := e.snapshotFn(ctx)
	if err != nil {
		return fmt.Errorf("safety snapshot: %w", err)
	}

	BreakerChecksTotal.Inc()
	now := time.Now()

	e.mu.Lock()
	if snapshot.Equity > e.peakEquity {
		e.peakEquity = snapshot.Equity
	}

	drawdown := 0.0
	if e.peakEquity > 0 {
		drawdown = (e.peakEquity - snapshot.Equity) / e.peakEquity
	}
	liquidityThreshold := e.liquidityThresholdLocked()

	e.updateBreakerLocked(now, BreakerDailyLoss, math.Max(0, -snapshot.DailyPnL), e.dailyLossUSD, false)
	e.updateBreakerLocked(now, BreakerDrawdown, drawdown, e.maxDrawdownPct, false)
	e.updateBreakerLocked(now, BreakerVolatility, snapshot.AvgVolatility, e.maxVolatility, false)
	e.updateBreakerLocked(now, BreakerLiquidity, snapshot.AvgDepthUSD, liquidityThreshold, true)

	halt := false
	for _, b := range e.breakers {
		if b.Triggered && b.Action == BreakerHaltEntries {
			halt = true
		}
	}
	e.mu.Unlock()

	e.halted.Store(halt)

	return nil
}

// updateBreakerLocked applies one dimension reading. below inverts the
// comparison for floors like liquidity.
func (e *SafetyEngine) updateBreakerLocked(now time.Time, breakerType string, value, threshold float64, below bool) {
	b := e.breakers[breakerType]
	b.CurrentValue = value
	b.Threshold = threshold

	breached := value >= threshold
	if below {
		breached = value < threshold
	}

	switch {
	case !b.Triggered && breached:
		b.Triggered = true
		b.TriggeredAt = now
		b.ResetAt = now.Add(e.resetAfter)
		BreakersTriggered.WithLabelValues(b.Type).Set(1)
		e.logger.Warn("circuit-breaker-tripped",
			zap.String("breaker", b.ID),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold),
			zap.Time("reset_at", b.ResetAt))
	case b.Triggered && !breached && now.After(b.ResetAt):
		b.Triggered = false
		BreakersTriggered.WithLabelValues(b.Type).Set(0)
		e.logger.Info("circuit-breaker-rearmed",
			zap.String("breaker", b.ID),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold))
	}
}

// ResetBreaker is the operator override for a single breaker.
func (e *SafetyEngine) ResetBreaker(breakerType string) error {
	e.mu.Lock()
	b, ok := e.breakers[breakerType]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("unknown breaker %q", breakerType)
	}
	wasTriggered := b.Triggered
	b.Triggered = false

	halt := false
	for _, other := range e.breakers {
		if other.Triggered && other.Action == BreakerHaltEntries {
			halt = true
		}
	}
	e.mu.Unlock()

	e.halted.Store(halt)

	if wasTriggered {
		BreakersTriggered.WithLabelValues(breakerType).Set(0)
		e.logger.Warn("circuit-breaker-reset-by-operator", zap.String("breaker", breakerType))
	}

	return nil
}

// CanEnterNewTrade reports whether entries are allowed. Lock-free, safe
// on the hot path.
func (e *SafetyEngine) CanEnterNewTrade() bool {
	return !e.halted.Load()
}

// PositionSizeMultiplier compounds the size reduction of every tripped
// reduce-action breaker. 1.0 when nothing is tripped.
func (e *SafetyEngine) PositionSizeMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	multiplier := 1.0
	for _, b := range e.breakers {
		if b.Triggered && b.Action == BreakerReduceSize {
			multiplier *= e.reducedSizeMult
		}
	}

	return multiplier
}

// RecordTrade adds an executed trade's notional to the rolling window
// that scales the liquidity floor: markets must be deep enough to carry
// several times the average trade.
func (e *SafetyEngine) RecordTrade(notionalUSD float64) {
	if notionalUSD <= 0 {
		e.logger.Warn("invalid-trade-notional", zap.Float64("notional", notionalUSD))

		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recentTrades = append(e.recentTrades, notionalUSD)
	if len(e.recentTrades) > 20 {
		e.recentTrades = e.recentTrades[1:]
	}
}

// liquidityThresholdLocked is the dynamic depth floor: the larger of the
// configured minimum and a multiple of the average recent trade.
func (e *SafetyEngine) liquidityThresholdLocked() float64 {
	if len(e.recentTrades) == 0 {
		return e.minDepthUSD
	}

	sum := 0.0
	for _, n := range e.recentTrades {
		sum += n
	}
	avg := sum / float64(len(e.recentTrades))

	return math.Max(avg*e.tradeMultiplier, e.minDepthUSD)
}

// Breakers returns copies of all breakers for status endpoints.
func (e *SafetyEngine) Breakers() []CircuitBreaker {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]CircuitBreaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		out = append(out, *b)
	}

	return out
}
