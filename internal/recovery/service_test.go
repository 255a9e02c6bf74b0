package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

type mapCache struct {
	mu sync.Mutex
	m  map[string]interface{}
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string]interface{})}
}

func (c *mapCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]

	return v, ok
}

func (c *mapCache) Set(key string, value interface{}, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value

	return true
}

func (c *mapCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *mapCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]interface{})
}

func (c *mapCache) Close() {}

type portfolioStub struct {
	mu        sync.Mutex
	positions []types.Position
	err       error
	calls     int
}

func (p *portfolioStub) AccountState(_ context.Context) (*types.PortfolioStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	positions := make([]types.Position, len(p.positions))
	copy(positions, p.positions)

	return &types.PortfolioStatus{
		TotalBalance:     10000,
		AvailableBalance: 8000,
		Positions:        positions,
		UpdatedAt:        time.Now(),
	}, nil
}

type historyStub struct {
	mu         sync.Mutex
	trades     []types.TradeRecord
	strategies []types.StrategyRecord
	tradeCalls int
}

func (h *historyStub) GetTrades(_ context.Context, _ types.TradeFilter, _ int) ([]types.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tradeCalls++
	out := make([]types.TradeRecord, len(h.trades))
	copy(out, h.trades)

	return out, nil
}

func (h *historyStub) GetAllStrategies(_ context.Context) ([]types.StrategyRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.StrategyRecord, len(h.strategies))
	copy(out, h.strategies)

	return out, nil
}

type riskStub struct {
	err error
}

func (r *riskStub) EvaluateSignal(_ context.Context, _ *types.TradingSignal, _ *types.PortfolioStatus) (*types.RiskAssessment, error) {
	if r.err != nil {
		return nil, r.err
	}

	return &types.RiskAssessment{Approved: true, PositionSize: 1000}, nil
}

type executorStub struct {
	mu      sync.Mutex
	signals []*types.TradingSignal
	err     error
}

func (e *executorStub) ExecuteSignal(_ context.Context, signal *types.TradingSignal, _ *types.RiskAssessment) (*types.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.signals = append(e.signals, signal)
	if e.err != nil {
		return nil, e.err
	}

	return &types.TradeRecord{ID: "t-" + signal.Symbol, Symbol: signal.Symbol}, nil
}

func (e *executorStub) executed() []*types.TradingSignal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.TradingSignal, len(e.signals))
	copy(out, e.signals)

	return out
}

type testFixture struct {
	service  *Service
	venue    *portfolioStub
	history  *historyStub
	executor *executorStub
	events   *bus.InProcess
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *testFixture {
	t.Helper()

	events, err := bus.NewInProcess(&bus.Config{BufferSize: 8, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewInProcess() error = %v", err)
	}
	t.Cleanup(events.Close)

	memo, err := cache.NewMemoizer(&cache.MemoizerConfig{Cache: newMapCache(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewMemoizer() error = %v", err)
	}

	venue := &portfolioStub{}
	history := &historyStub{
		strategies: []types.StrategyRecord{
			{ID: "momentum", Active: true, Symbols: []string{"BTC", "ETH", "SOL"}},
		},
	}
	executor := &executorStub{}

	cfg := &Config{
		Venue:    venue,
		History:  history,
		Risk:     &riskStub{},
		Executor: executor,
		Bus:      events,
		Memoizer: memo,
		Logger:   zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(cfg)
	}

	service, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testFixture{service: service, venue: venue, history: history, executor: executor, events: events}
}

func healthyPosition(symbol string) types.Position {
	return types.Position{
		Symbol:           symbol,
		Side:             types.SideLong,
		Size:             1,
		EntryPrice:       100,
		MarkPrice:        101,
		UnrealizedPnL:    1,
		UnrealizedPnLPct: 0.01,
		Leverage:         5,
		UpdatedAt:        time.Now().Add(-time.Hour),
	}
}

func recentTrade(symbol string, price float64, age time.Duration) types.TradeRecord {
	return types.TradeRecord{
		ID:        "trade-" + symbol,
		Symbol:    symbol,
		Action:    types.ActionBuy,
		Quantity:  1,
		Price:     price,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	events, err := bus.NewInProcess(&bus.Config{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewInProcess() error = %v", err)
	}
	defer events.Close()

	memo, err := cache.NewMemoizer(&cache.MemoizerConfig{Cache: newMapCache(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewMemoizer() error = %v", err)
	}

	valid := func() *Config {
		return &Config{
			Venue:    &portfolioStub{},
			History:  &historyStub{},
			Risk:     &riskStub{},
			Executor: &executorStub{},
			Bus:      events,
			Memoizer: memo,
			Logger:   zap.NewNop(),
		}
	}

	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"nil-venue", func(cfg *Config) { cfg.Venue = nil }},
		{"nil-history", func(cfg *Config) { cfg.History = nil }},
		{"nil-risk", func(cfg *Config) { cfg.Risk = nil }},
		{"nil-executor", func(cfg *Config) { cfg.Executor = nil }},
		{"nil-bus", func(cfg *Config) { cfg.Bus = nil }},
		{"nil-memoizer", func(cfg *Config) { cfg.Memoizer = nil }},
		{"nil-logger", func(cfg *Config) { cfg.Logger = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}

	if _, err := New(nil); err == nil {
		t.Error("New(nil) expected error, got nil")
	}
}

func TestSweepHealthyPortfolioNoActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.venue.positions = []types.Position{healthyPosition("BTC")}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, time.Hour)}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := f.executor.executed(); len(got) != 0 {
		t.Errorf("executed %d corrective signals, want 0", len(got))
	}
	stats := f.service.GetStats()
	if stats.Sweeps != 1 {
		t.Errorf("Sweeps = %d, want 1", stats.Sweeps)
	}
	if stats.IssuesFound != 0 {
		t.Errorf("IssuesFound = %d, want 0", stats.IssuesFound)
	}
}

func TestSweepClosesExcessiveLoss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	p := healthyPosition("BTC")
	p.UnrealizedPnL = -900
	p.UnrealizedPnLPct = -0.09
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, time.Hour)}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got := f.executor.executed()
	if len(got) != 1 {
		t.Fatalf("executed %d corrective signals, want 1", len(got))
	}
	sig := got[0]
	if sig.Action != types.ActionSell {
		t.Errorf("Action = %q, want SELL to close a long", sig.Action)
	}
	if sig.Size != p.Size {
		t.Errorf("Size = %v, want full position %v", sig.Size, p.Size)
	}
	if !sig.ReduceOnly {
		t.Error("corrective exit must be reduce-only")
	}
	if sig.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", sig.Confidence)
	}
	if !strings.Contains(sig.Reason, IssueExcessiveLoss) {
		t.Errorf("Reason = %q, want mention of %s", sig.Reason, IssueExcessiveLoss)
	}
}

func TestSweepClosesOrphanedPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	p := healthyPosition("DOGE") // no strategy references DOGE
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("DOGE", 0.1, time.Hour)}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got := f.executor.executed()
	if len(got) != 1 {
		t.Fatalf("executed %d corrective signals, want 1", len(got))
	}
	if !strings.Contains(got[0].Reason, IssueOrphaned) {
		t.Errorf("Reason = %q, want mention of %s", got[0].Reason, IssueOrphaned)
	}
}

func TestSweepReducesOverLeveragedLoser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	p := healthyPosition("ETH")
	p.Size = 4
	p.Leverage = 25
	p.UnrealizedPnL = -50
	p.UnrealizedPnLPct = -0.01
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("ETH", 3000, time.Hour)}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got := f.executor.executed()
	if len(got) != 1 {
		t.Fatalf("executed %d corrective signals, want 1", len(got))
	}
	if got[0].Size != 2 {
		t.Errorf("Size = %v, want half the 4-coin position", got[0].Size)
	}
}

func TestSweepHedgeRecommendationOnlyForProfitableOverLeverage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	p := healthyPosition("ETH")
	p.Leverage = 25
	p.UnrealizedPnL = 120
	p.UnrealizedPnLPct = 0.04
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("ETH", 3000, time.Hour)}

	var mu sync.Mutex
	var alerts []Issue
	unsubscribe := f.events.Subscribe(ChannelAlert, func(msg bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		if issue, ok := msg.Payload.(Issue); ok {
			alerts = append(alerts, issue)
		}
	})
	defer unsubscribe()

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := f.executor.executed(); len(got) != 0 {
		t.Fatalf("hedge must never auto-execute, got %d signals", len(got))
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(alerts)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no hedge alert published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if alerts[0].Type != IssueOverLeveraged {
		t.Errorf("alert type = %q, want %s", alerts[0].Type, IssueOverLeveraged)
	}
}

func TestSweepStaleAlertDeduplicated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.venue.positions = []types.Position{healthyPosition("BTC")}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, 30*time.Hour)}

	for i := 0; i < 3; i++ {
		if err := f.service.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep() #%d error = %v", i, err)
		}
	}

	stats := f.service.GetStats()
	if stats.AlertsPublished != 1 {
		t.Errorf("AlertsPublished = %d, want 1 (dedup within window)", stats.AlertsPublished)
	}
}

func TestSweepStuckPositionWaits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.StuckMinAge = time.Hour
	})
	f.venue.positions = []types.Position{healthyPosition("BTC")}
	// Five trades inside a 0.1% price band, oldest beyond the stuck age.
	trades := make([]types.TradeRecord, 0, 5)
	for i := 0; i < 5; i++ {
		tr := recentTrade("BTC", 100+float64(i)*0.02, time.Duration(i+1)*time.Hour)
		tr.ID = tr.ID + string(rune('a'+i))
		trades = append(trades, tr)
	}
	f.history.trades = trades

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := f.executor.executed(); len(got) != 0 {
		t.Errorf("stuck position dispatched %d signals, want 0 (WAIT)", len(got))
	}
	if stats := f.service.GetStats(); stats.IssuesFound == 0 {
		t.Error("stuck issue not detected")
	}
}

func TestAttemptCapAndReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.MaxAttempts = 2
	})
	f.executor.err = errors.New("venue down")
	p := healthyPosition("BTC")
	p.UnrealizedPnLPct = -0.2
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, time.Hour)}

	for i := 0; i < 4; i++ {
		if err := f.service.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep() #%d error = %v", i, err)
		}
	}

	if got := len(f.executor.executed()); got != 2 {
		t.Errorf("executed %d corrective signals, want 2 (attempt cap)", got)
	}
	if stats := f.service.GetStats(); stats.AttemptsExhausted == 0 {
		t.Error("AttemptsExhausted not counted")
	}

	f.service.ResetAttempts("BTC", types.SideLong)

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() after reset error = %v", err)
	}
	if got := len(f.executor.executed()); got != 3 {
		t.Errorf("executed %d corrective signals after reset, want 3", got)
	}
}

func TestSweepRiskFailureDoesNotBlockExit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.Risk = &riskStub{err: errors.New("emergency stop active")}
	})
	p := healthyPosition("BTC")
	p.UnrealizedPnLPct = -0.2
	f.venue.positions = []types.Position{p}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, time.Hour)}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := len(f.executor.executed()); got != 1 {
		t.Errorf("executed %d corrective signals, want 1 despite risk failure", got)
	}
}

func TestSweepBatchesParallelCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	bad := healthyPosition("BTC")
	bad.UnrealizedPnLPct = -0.2
	worse := healthyPosition("ETH")
	worse.UnrealizedPnLPct = -0.3
	f.venue.positions = []types.Position{bad, worse}
	f.history.trades = []types.TradeRecord{
		recentTrade("BTC", 100, time.Hour),
		recentTrade("ETH", 3000, time.Hour),
	}

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got := f.executor.executed()
	if len(got) != 2 {
		t.Fatalf("executed %d corrective signals, want 2", len(got))
	}
	symbols := map[string]bool{}
	for _, sig := range got {
		symbols[sig.Symbol] = true
	}
	if !symbols["BTC"] || !symbols["ETH"] {
		t.Errorf("corrective signals for %v, want both BTC and ETH", symbols)
	}
}

func TestSweepMemoizesFetchesWithinTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.FetchTTL = time.Minute
	})
	f.venue.positions = []types.Position{healthyPosition("BTC")}
	f.history.trades = []types.TradeRecord{recentTrade("BTC", 100, time.Hour)}

	for i := 0; i < 3; i++ {
		if err := f.service.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep() #%d error = %v", i, err)
		}
	}

	f.venue.mu.Lock()
	venueCalls := f.venue.calls
	f.venue.mu.Unlock()
	if venueCalls != 1 {
		t.Errorf("AccountState called %d times, want 1 within the TTL", venueCalls)
	}
	f.history.mu.Lock()
	tradeCalls := f.history.tradeCalls
	f.history.mu.Unlock()
	if tradeCalls != 1 {
		t.Errorf("GetTrades called %d times, want 1 within the TTL", tradeCalls)
	}
}

func TestSweepOverlapGuard(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.service.sweeping.Store(true)

	if err := f.service.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if stats := f.service.GetStats(); stats.Sweeps != 0 {
		t.Errorf("Sweeps = %d, want 0 while another sweep is in flight", stats.Sweeps)
	}
}

func TestAnalyzeIssueOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	p := healthyPosition("DOGE") // orphaned
	p.UnrealizedPnLPct = -0.5    // and deeply underwater
	p.Leverage = 50              // and over-leveraged

	issues := f.service.analyze(&p, map[string]bool{}, nil, time.Now())
	if len(issues) != 3 {
		t.Fatalf("analyze() found %d issues, want 3", len(issues))
	}
	order := []string{IssueOrphaned, IssueExcessiveLoss, IssueOverLeveraged}
	for i, want := range order {
		if issues[i].Type != want {
			t.Errorf("issues[%d].Type = %q, want %q", i, issues[i].Type, want)
		}
	}

	// The critical loss outranks the earlier orphaned issue.
	issue, ok := actionable(issues)
	if !ok {
		t.Fatal("actionable() found nothing")
	}
	if issue.Type != IssueExcessiveLoss {
		t.Errorf("actionable type = %q, want %s", issue.Type, IssueExcessiveLoss)
	}
}
