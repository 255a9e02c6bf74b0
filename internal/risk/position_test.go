package risk

import (
	"testing"
	"time"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

func openPosition(symbol, side string, pnlPct float64) *types.Position {
	return &types.Position{
		Symbol:           symbol,
		Side:             side,
		Size:             1,
		EntryPrice:       100,
		MarkPrice:        100,
		UnrealizedPnLPct: pnlPct,
		UpdatedAt:        time.Now(),
	}
}

func TestCheckPositionRiskHardStop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	result := m.CheckPositionRisk(openPosition("BTC", types.SideLong, -0.025))
	if !result.ShouldClose {
		t.Fatalf("ShouldClose = false at -2.5%% against a 2%% hard stop")
	}
	if result.Reason != CloseHardStop {
		t.Errorf("Reason = %q, want %q", result.Reason, CloseHardStop)
	}
}

func TestCheckPositionRiskTrailingStop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	result := m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.02))
	if result.ShouldClose {
		t.Fatalf("ShouldClose = true at the peak, reason %q", result.Reason)
	}
	if result.PeakPnLPct != 0.02 {
		t.Errorf("PeakPnLPct = %v, want 0.02", result.PeakPnLPct)
	}

	// Still above half the peak: hold.
	result = m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.012))
	if result.ShouldClose {
		t.Fatalf("ShouldClose = true at 0.012 with peak 0.02, reason %q", result.Reason)
	}

	// Gave back more than half the peak: close.
	result = m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.009))
	if !result.ShouldClose {
		t.Fatalf("ShouldClose = false after trailing drawdown")
	}
	if result.Reason != CloseTrailing {
		t.Errorf("Reason = %q, want %q", result.Reason, CloseTrailing)
	}
	if result.PeakPnLPct != 0.02 {
		t.Errorf("PeakPnLPct = %v, want retained 0.02", result.PeakPnLPct)
	}
}

func TestCheckPositionRiskBreakevenStop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	// Profitable enough to arm breakeven (0.5%) but not trailing (1%).
	if result := m.CheckPositionRisk(openPosition("ETH", types.SideShort, 0.006)); result.ShouldClose {
		t.Fatalf("ShouldClose = true at 0.006, reason %q", result.Reason)
	}

	result := m.CheckPositionRisk(openPosition("ETH", types.SideShort, -0.001))
	if !result.ShouldClose {
		t.Fatalf("ShouldClose = false back at a loss after being profitable")
	}
	if result.Reason != CloseBreakeven {
		t.Errorf("Reason = %q, want %q", result.Reason, CloseBreakeven)
	}
}

func TestCheckPositionRiskTimeStops(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	if result := m.CheckPositionRisk(openPosition("SOL", types.SideLong, -0.005)); result.ShouldClose {
		t.Fatalf("ShouldClose = true for a young small loser, reason %q", result.Reason)
	}

	// Age the position past the time-stop window.
	m.mu.Lock()
	m.positions[positionKey("SOL", types.SideLong)].firstSeen = time.Now().Add(-5 * time.Hour)
	m.mu.Unlock()

	result := m.CheckPositionRisk(openPosition("SOL", types.SideLong, -0.005))
	if !result.ShouldClose {
		t.Fatalf("ShouldClose = false for a 5h-old small loser")
	}
	if result.Reason != CloseTimeLoss {
		t.Errorf("Reason = %q, want %q", result.Reason, CloseTimeLoss)
	}

	// A different position past the absolute holding limit closes even
	// in profit below all other triggers.
	m.CheckPositionRisk(openPosition("DOGE", types.SideLong, 0.001))
	m.mu.Lock()
	m.positions[positionKey("DOGE", types.SideLong)].firstSeen = time.Now().Add(-25 * time.Hour)
	m.mu.Unlock()

	result = m.CheckPositionRisk(openPosition("DOGE", types.SideLong, 0.001))
	if !result.ShouldClose {
		t.Fatalf("ShouldClose = false past the max holding time")
	}
	if result.Reason != CloseMaxHolding {
		t.Errorf("Reason = %q, want %q", result.Reason, CloseMaxHolding)
	}
}

func TestCheckPositionRiskStateSurvivesUntilCleared(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.02))
	if m.TrackedPositions() != 1 {
		t.Fatalf("TrackedPositions() = %d, want 1", m.TrackedPositions())
	}

	m.ClearPosition("BTC", types.SideLong)
	if m.TrackedPositions() != 0 {
		t.Fatalf("TrackedPositions() = %d after clear, want 0", m.TrackedPositions())
	}

	// Fresh state: 0.009 is below the trailing activation, so the old
	// 0.02 peak must be gone for this to hold.
	result := m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.009))
	if result.ShouldClose {
		t.Errorf("ShouldClose = true, old peak survived ClearPosition (reason %q)", result.Reason)
	}
	if result.PeakPnLPct != 0.009 {
		t.Errorf("PeakPnLPct = %v, want fresh 0.009", result.PeakPnLPct)
	}
}

func TestCheckPositionRiskSidesTrackedSeparately(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	m.CheckPositionRisk(openPosition("BTC", types.SideLong, 0.02))

	// The short side has its own state: no peak, no trailing arm.
	result := m.CheckPositionRisk(openPosition("BTC", types.SideShort, 0.003))
	if result.ShouldClose {
		t.Errorf("ShouldClose = true for the short side, reason %q", result.Reason)
	}
	if result.PeakPnLPct != 0.003 {
		t.Errorf("PeakPnLPct = %v, want 0.003", result.PeakPnLPct)
	}
	if m.TrackedPositions() != 2 {
		t.Errorf("TrackedPositions() = %d, want 2", m.TrackedPositions())
	}
}

func TestCheckPositionRiskComputesPnLWhenUnset(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	position := &types.Position{
		Symbol:     "BTC",
		Side:       types.SideShort,
		Size:       1,
		EntryPrice: 100,
		MarkPrice:  98,
	}

	result := m.CheckPositionRisk(position)
	if result.PnLPct != 0.02 {
		t.Errorf("PnLPct = %v, want 0.02 for a short 2%% in profit", result.PnLPct)
	}
}

func TestCheckPositionRiskNil(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	if result := m.CheckPositionRisk(nil); result.ShouldClose {
		t.Errorf("ShouldClose = true for nil position")
	}
}
