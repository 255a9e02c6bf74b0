package risk

import (
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Close reasons reported by CheckPositionRisk.
const (
	CloseHardStop   = "hard_stop"
	CloseTrailing   = "trailing_stop"
	CloseBreakeven  = "breakeven_stop"
	CloseTimeLoss   = "time_stop_loss"
	CloseMaxHolding = "max_holding_time"
)

// PositionRiskResult is the verdict on one open position.
type PositionRiskResult struct {
	ShouldClose bool
	Reason      string
	PnLPct      float64
	PeakPnLPct  float64
	HeldFor     time.Duration
}

// positionState is the long-lived per-(symbol,side) tracking record.
// It survives portfolio refreshes and is dropped only by ClearPosition.
type positionState struct {
	firstSeen      time.Time
	peakPnLPct     float64
	armed          bool
	aboveBreakeven bool
}

func positionKey(symbol, side string) string {
	return symbol + "/" + side
}

// CheckPositionRisk evaluates one open position against the trailing,
// breakeven, hard-loss and time stops. Peak PnL is tracked across calls,
// keyed by (symbol, side).
func (m *Manager) CheckPositionRisk(position *types.Position) *PositionRiskResult {
	if position == nil {
		return &PositionRiskResult{}
	}

	pnlPct := position.UnrealizedPnLPct
	if pnlPct == 0 && position.EntryPrice > 0 && position.MarkPrice > 0 {
		pnlPct = (position.MarkPrice - position.EntryPrice) / position.EntryPrice
		if position.Side == types.SideShort {
			pnlPct = -pnlPct
		}
	}

	now := time.Now()

	m.mu.Lock()
	key := positionKey(position.Symbol, position.Side)
	state, ok := m.positions[key]
	if !ok {
		state = &positionState{firstSeen: now, peakPnLPct: pnlPct}
		m.positions[key] = state
	}
	if pnlPct > state.peakPnLPct {
		state.peakPnLPct = pnlPct
	}
	if state.peakPnLPct >= m.trailingActivate {
		state.armed = true
	}
	if pnlPct >= m.breakevenArmPct {
		state.aboveBreakeven = true
	}

	result := &PositionRiskResult{
		PnLPct:     pnlPct,
		PeakPnLPct: state.peakPnLPct,
		HeldFor:    now.Sub(state.firstSeen),
	}

	switch {
	case pnlPct <= -m.hardStopPct:
		result.ShouldClose = true
		result.Reason = CloseHardStop
	case state.armed && pnlPct <= state.peakPnLPct*(1-m.trailingGiveBack):
		result.ShouldClose = true
		result.Reason = CloseTrailing
	case state.aboveBreakeven && pnlPct <= 0:
		result.ShouldClose = true
		result.Reason = CloseBreakeven
	case result.HeldFor >= m.maxHoldingTime:
		result.ShouldClose = true
		result.Reason = CloseMaxHolding
	case result.HeldFor >= m.timeStopAfter && pnlPct <= -m.timeStopLossPct:
		result.ShouldClose = true
		result.Reason = CloseTimeLoss
	}
	m.mu.Unlock()

	if result.ShouldClose {
		PositionStopsTotal.WithLabelValues(result.Reason).Inc()
		m.logger.Warn("position-stop-triggered",
			zap.String("symbol", position.Symbol),
			zap.String("side", position.Side),
			zap.String("reason", result.Reason),
			zap.Float64("pnl_pct", result.PnLPct),
			zap.Float64("peak_pnl_pct", result.PeakPnLPct),
			zap.Duration("held_for", result.HeldFor))
	}

	return result
}

// ClearPosition drops the tracking state for a closed position. Nothing
// else removes it: a position that disappears from one portfolio
// snapshot and returns in the next keeps its peak history.
func (m *Manager) ClearPosition(symbol, side string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := positionKey(symbol, side)
	if _, ok := m.positions[key]; !ok {
		return
	}
	delete(m.positions, key)
	m.logger.Debug("position-risk-state-cleared",
		zap.String("symbol", symbol),
		zap.String("side", side))
}

// TrackedPositions reports how many (symbol, side) keys are tracked.
func (m *Manager) TrackedPositions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.positions)
}
