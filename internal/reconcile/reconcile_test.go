package reconcile

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

type accountStub struct {
	mu        sync.Mutex
	positions []types.Position
	err       error
	calls     int
}

func (a *accountStub) AccountState(_ context.Context) (*types.PortfolioStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	positions := make([]types.Position, len(a.positions))
	copy(positions, a.positions)

	return &types.PortfolioStatus{
		TotalBalance: 10000,
		Positions:    positions,
		UpdatedAt:    time.Now(),
	}, nil
}

func (a *accountStub) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

// storeStub mimics the state cache contract: lookups return copies, so
// writes only land through UpsertPosition.
type storeStub struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	removed   []string
}

func newStoreStub(positions ...types.Position) *storeStub {
	s := &storeStub{positions: make(map[string]*types.Position)}
	for i := range positions {
		p := positions[i]
		s.positions[p.Symbol] = &p
	}

	return s
}

func (s *storeStub) AllPositions() []*types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		clone := *p
		out = append(out, &clone)
	}

	return out
}

func (s *storeStub) UpsertPosition(position *types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *position
	s.positions[position.Symbol] = &clone
}

func (s *storeStub) RemovePosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.positions[symbol]
	delete(s.positions, symbol)
	s.removed = append(s.removed, symbol)

	return ok
}

func (s *storeStub) get(symbol string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}

	return *p, true
}

func newTestReconciler(t *testing.T, cfg *Config) *Reconciler {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Venue == nil {
		cfg.Venue = &accountStub{}
	}
	if cfg.Store == nil {
		cfg.Store = newStoreStub()
	}
	if cfg.Bus == nil {
		events, err := bus.NewInProcess(&bus.Config{BufferSize: 8, Logger: zap.NewNop()})
		if err != nil {
			t.Fatalf("NewInProcess() error = %v", err)
		}
		t.Cleanup(events.Close)
		cfg.Bus = events
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return r
}

func position(symbol, side string, size, entry float64) types.Position {
	return types.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: entry,
		MarkPrice:  entry,
		UpdatedAt:  time.Now(),
	}
}

func localPositions(positions ...types.Position) []*types.Position {
	out := make([]*types.Position, len(positions))
	for i := range positions {
		out[i] = &positions[i]
	}

	return out
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	events, err := bus.NewInProcess(&bus.Config{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewInProcess() error = %v", err)
	}
	t.Cleanup(events.Close)

	venue := &accountStub{}
	store := newStoreStub()
	logger := zap.NewNop()

	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil-config", cfg: nil},
		{name: "nil-venue", cfg: &Config{Store: store, Bus: events, Logger: logger}},
		{name: "nil-store", cfg: &Config{Venue: venue, Bus: events, Logger: logger}},
		{name: "nil-bus", cfg: &Config{Venue: venue, Store: store, Logger: logger}},
		{name: "nil-logger", cfg: &Config{Venue: venue, Store: store, Bus: events}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt := tt
			t.Parallel()

			if _, err := New(tt.cfg); err == nil {
				t.Errorf("New() error = nil, want error")
			}
		})
	}
}

func TestComparePositionsMatched(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 10, 150)),
		[]types.Position{position("SOL", types.SideLong, 10, 150)},
	)

	if report.Matched != 1 {
		t.Errorf("Matched = %d, want 1", report.Matched)
	}
	if !report.Clean() {
		t.Errorf("Clean() = false, discrepancies %+v", report.Discrepancies)
	}
	if len(report.Adjustments) != 0 {
		t.Errorf("Adjustments = %d, want 0", len(report.Adjustments))
	}
}

func TestComparePositionsWithinTolerance(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 10, 150)),
		[]types.Position{position("SOL", types.SideLong, 10.05, 150)},
	)

	if !report.Clean() {
		t.Errorf("Clean() = false for a gap inside tolerance")
	}
	if report.Matched != 1 {
		t.Errorf("Matched = %d, want 1", report.Matched)
	}
}

func TestComparePositionsSmallGapAddsFill(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 10, 150)),
		[]types.Position{position("SOL", types.SideLong, 10.5, 150)},
	)

	if len(report.Discrepancies) != 1 {
		t.Fatalf("Discrepancies = %d, want 1", len(report.Discrepancies))
	}
	d := report.Discrepancies[0]
	if d.Type != DiscrepancyQuantity {
		t.Errorf("Type = %q, want %q", d.Type, DiscrepancyQuantity)
	}
	if math.Abs(d.Difference-0.5) > 1e-9 {
		t.Errorf("Difference = %v, want 0.5", d.Difference)
	}

	if len(report.Adjustments) != 1 {
		t.Fatalf("Adjustments = %d, want 1", len(report.Adjustments))
	}
	adj := report.Adjustments[0]
	if adj.Type != AdjustAddFill {
		t.Fatalf("adjustment Type = %q, want %q", adj.Type, AdjustAddFill)
	}
	if adj.Fill == nil {
		t.Fatalf("ADD_FILL adjustment carries no fill")
	}
	if math.Abs(adj.Fill.Size-0.5) > 1e-9 {
		t.Errorf("Fill.Size = %v, want 0.5", adj.Fill.Size)
	}
	if adj.Fill.Side != types.OrderSideBuy {
		t.Errorf("Fill.Side = %q, want %q to grow a long", adj.Fill.Side, types.OrderSideBuy)
	}
	if adj.Fill.Price != 150 {
		t.Errorf("Fill.Price = %v, want venue mark 150", adj.Fill.Price)
	}
}

func TestComparePositionsShrinkGapSells(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 10, 150)),
		[]types.Position{position("SOL", types.SideLong, 9.7, 150)},
	)

	if len(report.Adjustments) != 1 || report.Adjustments[0].Type != AdjustAddFill {
		t.Fatalf("Adjustments = %+v, want one ADD_FILL", report.Adjustments)
	}
	fill := report.Adjustments[0].Fill
	if fill.Side != types.OrderSideSell {
		t.Errorf("Fill.Side = %q, want %q to shrink a long", fill.Side, types.OrderSideSell)
	}
	if math.Abs(fill.Size-0.3) > 1e-9 {
		t.Errorf("Fill.Size = %v, want 0.3", fill.Size)
	}
}

func TestComparePositionsLargeGapSyncs(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 10, 150)),
		[]types.Position{position("SOL", types.SideLong, 12, 150)},
	)

	if len(report.Adjustments) != 1 {
		t.Fatalf("Adjustments = %d, want 1", len(report.Adjustments))
	}
	adj := report.Adjustments[0]
	if adj.Type != AdjustSyncPosition {
		t.Errorf("adjustment Type = %q, want %q for a 2.0 gap", adj.Type, AdjustSyncPosition)
	}
	if adj.Position == nil || adj.Position.Size != 12 {
		t.Errorf("adjustment Position = %+v, want venue size 12", adj.Position)
	}
}

func TestComparePositionsMissingOnVenue(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("BTC", types.SideLong, 1, 50000)),
		nil,
	)

	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Type != DiscrepancyMissingPosition {
		t.Fatalf("Discrepancies = %+v, want one MISSING_POSITION", report.Discrepancies)
	}
	if len(report.Adjustments) != 1 {
		t.Fatalf("Adjustments = %d, want 1", len(report.Adjustments))
	}
	adj := report.Adjustments[0]
	if adj.Type != AdjustSyncPosition || adj.Position != nil {
		t.Errorf("adjustment = %+v, want SYNC_POSITION dropping the local position", adj)
	}
}

func TestComparePositionsGhostOnVenue(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		nil,
		[]types.Position{position("ETH", types.SideShort, 2, 3000)},
	)

	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Type != DiscrepancyGhostPosition {
		t.Fatalf("Discrepancies = %+v, want one GHOST_POSITION", report.Discrepancies)
	}
	adj := report.Adjustments[0]
	if adj.Type != AdjustSyncPosition || adj.Position == nil {
		t.Fatalf("adjustment = %+v, want SYNC_POSITION adopting venue", adj)
	}
	if adj.Position.Symbol != "ETH" || adj.Position.Size != 2 || adj.Position.Side != types.SideShort {
		t.Errorf("adopted position = %+v", adj.Position)
	}
}

func TestComparePositionsSideMismatchForcesSync(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, nil)
	report := r.ComparePositions(
		localPositions(position("SOL", types.SideLong, 5, 150)),
		[]types.Position{position("SOL", types.SideShort, 5, 150)},
	)

	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Type != DiscrepancySide {
		t.Fatalf("Discrepancies = %+v, want one SIDE", report.Discrepancies)
	}
	if len(report.Adjustments) != 1 || report.Adjustments[0].Type != AdjustSyncPosition {
		t.Errorf("Adjustments = %+v, want one SYNC_POSITION", report.Adjustments)
	}
}

func TestReconcilePublishesDiscrepancies(t *testing.T) {
	t.Parallel()

	events, err := bus.NewInProcess(&bus.Config{BufferSize: 8, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewInProcess() error = %v", err)
	}
	t.Cleanup(events.Close)

	received := make(chan Discrepancy, 1)
	unsubscribe := events.Subscribe(ChannelDiscrepancy, func(msg bus.Message) {
		if d, ok := msg.Payload.(Discrepancy); ok {
			received <- d
		}
	})
	t.Cleanup(unsubscribe)

	venue := &accountStub{positions: []types.Position{position("SOL", types.SideLong, 10.5, 150)}}
	store := newStoreStub(position("SOL", types.SideLong, 10, 150))
	r := newTestReconciler(t, &Config{Venue: venue, Store: store, Bus: events})

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Clean() {
		t.Fatalf("Clean() = true, want a quantity discrepancy")
	}

	select {
	case d := <-received:
		if d.Type != DiscrepancyQuantity || d.Symbol != "SOL" {
			t.Errorf("published discrepancy = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no discrepancy published within 2s")
	}
}

func TestReconcileAutoApplySyncsAndDrops(t *testing.T) {
	t.Parallel()

	venue := &accountStub{positions: []types.Position{position("ETH", types.SideShort, 2, 3000)}}
	store := newStoreStub(position("BTC", types.SideLong, 1, 50000))
	r := newTestReconciler(t, &Config{Venue: venue, Store: store, AutoApply: true})

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if _, ok := store.get("BTC"); ok {
		t.Errorf("local BTC position survived a MISSING_POSITION sync")
	}
	eth, ok := store.get("ETH")
	if !ok {
		t.Fatalf("venue ETH position not adopted")
	}
	if eth.Size != 2 || eth.Side != types.SideShort {
		t.Errorf("adopted position = %+v", eth)
	}
	for _, adj := range report.Adjustments {
		if !adj.Applied {
			t.Errorf("adjustment %s/%s not marked applied", adj.Type, adj.Symbol)
		}
	}
}

func TestReconcileAutoApplyAddFill(t *testing.T) {
	t.Parallel()

	venue := &accountStub{positions: []types.Position{position("SOL", types.SideLong, 10.5, 110)}}
	store := newStoreStub(position("SOL", types.SideLong, 10, 100))
	r := newTestReconciler(t, &Config{Venue: venue, Store: store, AutoApply: true})

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	sol, ok := store.get("SOL")
	if !ok {
		t.Fatalf("SOL position missing after apply")
	}
	if math.Abs(sol.Size-10.5) > 1e-9 {
		t.Errorf("Size = %v, want 10.5", sol.Size)
	}
	wantEntry := (100.0*10 + 110.0*0.5) / 10.5
	if math.Abs(sol.EntryPrice-wantEntry) > 1e-9 {
		t.Errorf("EntryPrice = %v, want %v", sol.EntryPrice, wantEntry)
	}
}

func TestReconcileAutoApplyReductionKeepsEntry(t *testing.T) {
	t.Parallel()

	venue := &accountStub{positions: []types.Position{position("SOL", types.SideLong, 9.7, 110)}}
	store := newStoreStub(position("SOL", types.SideLong, 10, 100))
	r := newTestReconciler(t, &Config{Venue: venue, Store: store, AutoApply: true})

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	sol, _ := store.get("SOL")
	if math.Abs(sol.Size-9.7) > 1e-9 {
		t.Errorf("Size = %v, want 9.7", sol.Size)
	}
	if sol.EntryPrice != 100 {
		t.Errorf("EntryPrice = %v, want unchanged 100", sol.EntryPrice)
	}
}

func TestReconcileWithoutAutoApplyLeavesStore(t *testing.T) {
	t.Parallel()

	venue := &accountStub{positions: []types.Position{position("SOL", types.SideLong, 12, 150)}}
	store := newStoreStub(position("SOL", types.SideLong, 10, 150))
	r := newTestReconciler(t, &Config{Venue: venue, Store: store})

	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	sol, _ := store.get("SOL")
	if sol.Size != 10 {
		t.Errorf("Size = %v, local state must be untouched without auto-apply", sol.Size)
	}
	for _, adj := range report.Adjustments {
		if adj.Applied {
			t.Errorf("adjustment %s marked applied without auto-apply", adj.Type)
		}
	}
}

func TestReconcileVenueError(t *testing.T) {
	t.Parallel()

	venue := &accountStub{err: errors.New("api down")}
	r := newTestReconciler(t, &Config{Venue: venue})

	_, err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatalf("Reconcile() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "fetch venue positions") {
		t.Errorf("error = %v, want fetch context", err)
	}
}

func TestStartReconcilesPeriodically(t *testing.T) {
	t.Parallel()

	venue := &accountStub{}
	r := newTestReconciler(t, &Config{Venue: venue, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for venue.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("venue calls = %d after 2s, want at least 3", venue.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
