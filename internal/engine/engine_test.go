package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/storage"
	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

type venueStub struct {
	mu         sync.Mutex
	hasWallet  bool
	account    *types.PortfolioStatus
	accountErr error
	mids       map[string]float64
	placed     []*venue.OrderRequest
	batches    [][]*venue.OrderRequest
	placeFn    func(req *venue.OrderRequest) *types.PlaceOrderResult
	placeDelay time.Duration
}

func newVenueStub() *venueStub {
	return &venueStub{
		hasWallet: true,
		account:   &types.PortfolioStatus{TotalBalance: 10000, AvailableBalance: 8000},
		mids:      map[string]float64{"BTC": 100, "ETH": 100, "SOL": 100},
	}
}

func (v *venueStub) HasWallet() bool { return v.hasWallet }

func (v *venueStub) AccountState(_ context.Context) (*types.PortfolioStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.accountErr != nil {
		return nil, v.accountErr
	}
	cp := *v.account
	cp.Positions = append([]types.Position(nil), v.account.Positions...)

	return &cp, nil
}

func (v *venueStub) MidPrice(_ context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	mid, ok := v.mids[symbol]
	if !ok {
		return 0, errors.New("no mid for " + symbol)
	}

	return mid, nil
}

func (v *venueStub) Instrument(symbol string) (types.Instrument, bool) {
	return types.Instrument{Symbol: symbol, SzDecimals: 4, PxDecimals: 2, MaxLeverage: 50}, true
}

func (v *venueStub) PlaceOrder(_ context.Context, req *venue.OrderRequest) *types.PlaceOrderResult {
	if v.placeDelay > 0 {
		time.Sleep(v.placeDelay)
	}

	v.mu.Lock()
	v.placed = append(v.placed, req)
	fn := v.placeFn
	v.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	return &types.PlaceOrderResult{
		Status:        types.StatusFilled,
		Symbol:        req.Symbol,
		Side:          req.Side,
		RequestedSize: req.Size,
		FilledSize:    req.Size,
		AvgPrice:      v.mids[req.Symbol],
		VenueOrderID:  7001,
	}
}

func (v *venueStub) PlaceOrders(ctx context.Context, reqs []*venue.OrderRequest) []*types.PlaceOrderResult {
	v.mu.Lock()
	v.batches = append(v.batches, reqs)
	v.mu.Unlock()

	results := make([]*types.PlaceOrderResult, len(reqs))
	for i, req := range reqs {
		results[i] = v.PlaceOrder(ctx, req)
	}

	return results
}

func (v *venueStub) placedOrders() []*venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]*venue.OrderRequest(nil), v.placed...)
}

type safetyStub struct {
	mu         sync.Mutex
	canEnter   bool
	multiplier float64
	recorded   []float64
}

func (s *safetyStub) CanEnterNewTrade() bool { return s.canEnter }

func (s *safetyStub) PositionSizeMultiplier() float64 { return s.multiplier }

func (s *safetyStub) RecordTrade(notionalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recorded = append(s.recorded, notionalUSD)
}

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Venue == nil {
		cfg.Venue = newVenueStub()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore(zap.NewNop())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return e
}

func entrySignal(symbol string, confidence float64) *types.TradingSignal {
	return &types.TradingSignal{
		ID:         "sig-" + symbol,
		Symbol:     symbol,
		Action:     types.ActionBuy,
		Confidence: confidence,
		Price:      100,
		OrderType:  types.OrderTypeLimit,
		Reason:     "momentum breakout",
		Strategy:   "momentum",
		CreatedAt:  time.Now(),
	}
}

func approvedAssessment(notionalUSD float64) *types.RiskAssessment {
	return &types.RiskAssessment{
		Approved:        true,
		PositionSize:    notionalUSD,
		StopLossPct:     0.015,
		TakeProfitPct:   0.045,
		RiskRewardRatio: 3.0,
		Leverage:        3,
	}
}

func wantRejection(t *testing.T, err error, code string) {
	t.Helper()

	rej, ok := types.IsRejection(err)
	if !ok {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if rej.Code != code {
		t.Fatalf("expected rejection code %s, got %s (%s)", code, rej.Code, rej.Reason)
	}
}

func TestNewValidation(t *testing.T) {
	stub := newVenueStub()
	store := storage.NewMemoryStore(zap.NewNop())
	logger := zap.NewNop()

	cases := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil config", cfg: nil},
		{name: "nil venue", cfg: &Config{Store: store, Logger: logger}},
		{name: "nil store", cfg: &Config{Venue: stub, Logger: logger}},
		{name: "nil logger", cfg: &Config{Venue: stub, Store: store}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestExecuteSignalRejectsHold(t *testing.T) {
	e := newTestEngine(t, nil)

	sig := entrySignal("BTC", 0.9)
	sig.Action = types.ActionHold

	_, err := e.ExecuteSignal(context.Background(), sig, approvedAssessment(3000))
	wantRejection(t, err, types.RejectHold)
}

func TestExecuteSignalRequiresWallet(t *testing.T) {
	stub := newVenueStub()
	stub.hasWallet = false
	e := newTestEngine(t, &Config{Venue: stub})

	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))
	wantRejection(t, err, types.RejectNoVenue)
}

func TestExecuteSignalRequiresApproval(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), nil)
	wantRejection(t, err, types.RejectNotApproved)

	vetoed := &types.RiskAssessment{Approved: false, Reasons: []string{"risk score 0.82 exceeds limit"}}
	_, err = e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), vetoed)
	wantRejection(t, err, types.RejectNotApproved)

	rej, _ := types.IsRejection(err)
	if !strings.Contains(rej.Reason, "risk score") {
		t.Fatalf("expected the risk reasons in the rejection, got %q", rej.Reason)
	}
}

func TestExecuteSignalConfidenceGate(t *testing.T) {
	stub := newVenueStub()
	e := newTestEngine(t, &Config{Venue: stub})

	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.79), approvedAssessment(3000))
	wantRejection(t, err, types.RejectLowConfidence)

	if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.80), approvedAssessment(3000)); err != nil {
		t.Fatalf("confidence at the threshold should trade: %v", err)
	}
	if len(stub.placedOrders()) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(stub.placedOrders()))
	}
}

func TestExecuteSignalEntryFlow(t *testing.T) {
	stub := newVenueStub()
	stub.placeFn = func(req *venue.OrderRequest) *types.PlaceOrderResult {
		return &types.PlaceOrderResult{
			Status:        types.StatusFilled,
			Symbol:        req.Symbol,
			Side:          req.Side,
			RequestedSize: req.Size,
			FilledSize:    req.Size,
			AvgPrice:      100.5,
			VenueOrderID:  42,
		}
	}
	store := storage.NewMemoryStore(zap.NewNop())
	safety := &safetyStub{canEnter: true, multiplier: 1.0}
	e := newTestEngine(t, &Config{Venue: stub, Store: store, Safety: safety})

	trade, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))
	if err != nil {
		t.Fatalf("ExecuteSignal: %v", err)
	}

	placed := stub.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected one venue order, got %d", len(placed))
	}
	req := placed[0]
	if req.Side != types.OrderSideBuy || req.Type != types.OrderTypeLimit || req.ReduceOnly {
		t.Fatalf("unexpected order request: %+v", req)
	}
	if req.Size != 30 { // 3000 USD at price 100
		t.Fatalf("expected size 30, got %v", req.Size)
	}

	if trade.Quantity != 30 || trade.Price != 100.5 || trade.IsExit {
		t.Fatalf("unexpected trade record: %+v", trade)
	}
	if trade.VenueOrderID != 42 || trade.Status != string(types.StatusFilled) {
		t.Fatalf("venue outcome not carried onto the trade: %+v", trade)
	}

	saved, err := store.GetTrades(context.Background(), types.TradeFilter{Symbol: "BTC"}, 0)
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected the trade persisted, got %d (%v)", len(saved), err)
	}

	plan, ok := e.ExitPlan("BTC")
	if !ok {
		t.Fatal("expected a managed exit plan")
	}
	if plan.Side != types.SideLong || plan.EntryPrice != 100.5 || plan.StopLossPct != 0.015 || plan.TakeProfitPct != 0.045 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	safety.mu.Lock()
	defer safety.mu.Unlock()
	if len(safety.recorded) != 1 || safety.recorded[0] != 30*100.5 {
		t.Fatalf("expected the trade notional recorded with safety, got %v", safety.recorded)
	}
}

func TestExecuteSignalFloorsSmallEntries(t *testing.T) {
	stub := newVenueStub()
	e := newTestEngine(t, &Config{Venue: stub})

	if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(4)); err != nil {
		t.Fatalf("ExecuteSignal: %v", err)
	}

	placed := stub.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected one order, got %d", len(placed))
	}
	if placed[0].Size != 0.1 { // 10 USD minimum at price 100
		t.Fatalf("expected the size floored to 0.1, got %v", placed[0].Size)
	}
}

func TestExecuteSignalSafetyGate(t *testing.T) {
	t.Run("blocked", func(t *testing.T) {
		stub := newVenueStub()
		e := newTestEngine(t, &Config{Venue: stub, Safety: &safetyStub{canEnter: false, multiplier: 1.0}})

		_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))
		wantRejection(t, err, types.RejectSafetyBlocked)
		if len(stub.placedOrders()) != 0 {
			t.Fatal("no order may reach the venue when safety blocks")
		}
	})

	t.Run("zero multiplier", func(t *testing.T) {
		e := newTestEngine(t, &Config{Safety: &safetyStub{canEnter: true, multiplier: 0}})

		_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))
		wantRejection(t, err, types.RejectSafetyBlocked)
	})

	t.Run("fractional multiplier scales size", func(t *testing.T) {
		stub := newVenueStub()
		e := newTestEngine(t, &Config{Venue: stub, Safety: &safetyStub{canEnter: true, multiplier: 0.5}})

		if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000)); err != nil {
			t.Fatalf("ExecuteSignal: %v", err)
		}
		if placed := stub.placedOrders(); placed[0].Size != 15 {
			t.Fatalf("expected half size 15, got %v", placed[0].Size)
		}
	})
}

func TestExecuteSignalCooldownBlocksEntriesNotExits(t *testing.T) {
	stub := newVenueStub()
	stub.account.Positions = []types.Position{{
		Symbol: "BTC", Side: types.SideLong, Size: 30, EntryPrice: 100, MarkPrice: 100,
	}}
	e := newTestEngine(t, &Config{Venue: stub, MinOrderInterval: time.Nanosecond, OrderCooldown: 10 * time.Minute})

	if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000)); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	second := entrySignal("BTC", 0.9)
	second.Price = 102 // well clear of the duplicate gate
	second.Reason = "fresh breakout"
	_, err := e.ExecuteSignal(context.Background(), second, approvedAssessment(3000))
	wantRejection(t, err, types.RejectCooldown)

	exit := &types.TradingSignal{
		Symbol:    "BTC",
		Action:    types.ActionSell,
		OrderType: types.OrderTypeMarket,
		Reason:    "strategy flip",
	}
	if _, err := e.ExecuteSignal(context.Background(), exit, nil); err != nil {
		t.Fatalf("an exit must not wait out the cooldown: %v", err)
	}

	placed := stub.placedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected entry plus exit on the venue, got %d", len(placed))
	}
	if !placed[1].ReduceOnly {
		t.Fatal("exit order must be reduce-only")
	}
}

func TestExecuteSignalMinIntervalGate(t *testing.T) {
	e := newTestEngine(t, nil) // default 30s interval, 10m cooldown

	if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000)); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	second := entrySignal("BTC", 0.9)
	second.Price = 102
	second.Reason = "fresh breakout"
	_, err := e.ExecuteSignal(context.Background(), second, approvedAssessment(3000))
	wantRejection(t, err, types.RejectMinInterval)
}

func TestExecuteSignalDuplicateSuppression(t *testing.T) {
	e := newTestEngine(t, &Config{
		MinOrderInterval:    time.Nanosecond,
		OrderCooldown:       time.Nanosecond,
		MaxSignalsPerMinute: 100,
	})

	first := entrySignal("SOL", 0.9)
	if _, err := e.ExecuteSignal(context.Background(), first, approvedAssessment(3000)); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	// Price moved 0.2%, under the 0.5% tolerance: duplicate regardless
	// of confidence or reason.
	dup := entrySignal("SOL", 0.82)
	dup.Price = 100.2
	dup.Reason = "different words entirely"
	_, err := e.ExecuteSignal(context.Background(), dup, approvedAssessment(3000))
	wantRejection(t, err, types.RejectDuplicate)

	// Price moved 2% but the confidence is within 0.1 with the same
	// reason: still a duplicate.
	story := entrySignal("SOL", 0.85)
	story.Price = 102
	_, err = e.ExecuteSignal(context.Background(), story, approvedAssessment(3000))
	wantRejection(t, err, types.RejectDuplicate)

	// Price moved 2% and the story changed: a genuine new signal.
	fresh := entrySignal("SOL", 0.85)
	fresh.Price = 102
	fresh.Reason = "fresh breakout"
	if _, err := e.ExecuteSignal(context.Background(), fresh, approvedAssessment(3000)); err != nil {
		t.Fatalf("moved price with a new reason should trade: %v", err)
	}
}

func TestExecuteSignalRateLimit(t *testing.T) {
	e := newTestEngine(t, &Config{
		MinOrderInterval:    time.Nanosecond,
		OrderCooldown:       time.Nanosecond,
		MaxSignalsPerMinute: 2,
	})

	prices := []float64{100, 102, 104}
	reasons := []string{"first leg", "second leg", "third leg"}
	for i := 0; i < 2; i++ {
		sig := entrySignal("ETH", 0.9)
		sig.Price = prices[i]
		sig.Reason = reasons[i]
		if _, err := e.ExecuteSignal(context.Background(), sig, approvedAssessment(3000)); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}

	third := entrySignal("ETH", 0.9)
	third.Price = prices[2]
	third.Reason = reasons[2]
	_, err := e.ExecuteSignal(context.Background(), third, approvedAssessment(3000))
	wantRejection(t, err, types.RejectRateLimited)
}

func TestExecuteSignalCooldownStampedBeforeVenueCall(t *testing.T) {
	stub := newVenueStub()
	stub.placeFn = func(req *venue.OrderRequest) *types.PlaceOrderResult {
		return &types.PlaceOrderResult{Status: types.StatusError, Symbol: req.Symbol, Message: "venue unavailable"}
	}
	e := newTestEngine(t, &Config{Venue: stub})

	if _, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000)); err == nil {
		t.Fatal("expected the venue failure to surface")
	}

	// The cooldown was stamped before the failing call, so the symbol
	// is locked out even though no order landed.
	second := entrySignal("BTC", 0.9)
	second.Price = 102
	second.Reason = "fresh breakout"
	_, err := e.ExecuteSignal(context.Background(), second, approvedAssessment(3000))
	wantRejection(t, err, types.RejectMinInterval)
}

func TestExecuteSignalVenueFailure(t *testing.T) {
	stub := newVenueStub()
	stub.placeFn = func(req *venue.OrderRequest) *types.PlaceOrderResult {
		return &types.PlaceOrderResult{Status: types.StatusRetryExhausted, Symbol: req.Symbol, Message: "timeout"}
	}
	store := storage.NewMemoryStore(zap.NewNop())
	e := newTestEngine(t, &Config{Venue: stub, Store: store})

	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))

	var ve *types.VenueError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a venue error, got %v", err)
	}
	if ve.Code != string(types.StatusRetryExhausted) {
		t.Fatalf("expected the placement status as the code, got %s", ve.Code)
	}

	saved, _ := store.GetTrades(context.Background(), types.TradeFilter{}, 0)
	if len(saved) != 0 {
		t.Fatal("no trade may be persisted for a failed placement")
	}
	if _, ok := e.ExitPlan("BTC"); ok {
		t.Fatal("no exit plan may be registered for a failed placement")
	}
}

func TestExecuteSignalExitClampsAndRealizes(t *testing.T) {
	stub := newVenueStub()
	stub.account.Positions = []types.Position{{
		Symbol: "BTC", Side: types.SideLong, Size: 4, EntryPrice: 100, MarkPrice: 90,
	}}
	stub.placeFn = func(req *venue.OrderRequest) *types.PlaceOrderResult {
		return &types.PlaceOrderResult{
			Status:     types.StatusFilled,
			Symbol:     req.Symbol,
			Side:       req.Side,
			FilledSize: req.Size,
			AvgPrice:   90,
		}
	}
	store := storage.NewMemoryStore(zap.NewNop())
	e := newTestEngine(t, &Config{Venue: stub, Store: store})
	e.RegisterExitPlan(types.ManagedExitPlan{Symbol: "BTC", Side: types.SideLong, EntryPrice: 100})

	exit := &types.TradingSignal{
		Symbol:     "BTC",
		Action:     types.ActionSell,
		Confidence: 0.2, // exits bypass the confidence gate
		Size:       10,  // more than is open
		OrderType:  types.OrderTypeMarket,
		Reason:     "strategy flip",
	}

	trade, err := e.ExecuteSignal(context.Background(), exit, nil)
	if err != nil {
		t.Fatalf("ExecuteSignal: %v", err)
	}

	placed := stub.placedOrders()
	if placed[0].Size != 4 {
		t.Fatalf("exit size must clamp to the open position, got %v", placed[0].Size)
	}
	if !placed[0].ReduceOnly {
		t.Fatal("exit order must be reduce-only")
	}

	if !trade.IsExit {
		t.Fatal("trade must be marked as an exit")
	}
	if trade.RealizedPnL != (90-100)*4 {
		t.Fatalf("expected realized pnl -40, got %v", trade.RealizedPnL)
	}

	if _, ok := e.ExitPlan("BTC"); ok {
		t.Fatal("the exit must clear the managed plan")
	}
}

func TestExecuteSignalZeroApprovedSize(t *testing.T) {
	e := newTestEngine(t, nil)

	assessment := approvedAssessment(0)
	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), assessment)
	wantRejection(t, err, types.RejectZeroSize)
}

func TestExecuteSignalAccountStateError(t *testing.T) {
	stub := newVenueStub()
	stub.accountErr = errors.New("boom")
	e := newTestEngine(t, &Config{Venue: stub})

	_, err := e.ExecuteSignal(context.Background(), entrySignal("BTC", 0.9), approvedAssessment(3000))
	if err == nil || !strings.Contains(err.Error(), "fetch account state") {
		t.Fatalf("expected the account fetch failure to propagate, got %v", err)
	}
	if _, ok := types.IsRejection(err); ok {
		t.Fatal("an infrastructure failure is not a policy rejection")
	}
}

func TestIsExitSignal(t *testing.T) {
	long := &types.Position{Symbol: "BTC", Side: types.SideLong, Size: 1}
	short := &types.Position{Symbol: "BTC", Side: types.SideShort, Size: 1}

	cases := []struct {
		name     string
		signal   *types.TradingSignal
		position *types.Position
		want     bool
	}{
		{name: "no position", signal: &types.TradingSignal{Action: types.ActionSell}, position: nil, want: false},
		{name: "sell against long", signal: &types.TradingSignal{Action: types.ActionSell}, position: long, want: true},
		{name: "buy against short", signal: &types.TradingSignal{Action: types.ActionBuy}, position: short, want: true},
		{name: "buy adds to long", signal: &types.TradingSignal{Action: types.ActionBuy}, position: long, want: false},
		{name: "reduce-only flag forces exit", signal: &types.TradingSignal{Action: types.ActionBuy, ReduceOnly: true}, position: long, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isExitSignal(tc.signal, tc.position); got != tc.want {
				t.Fatalf("isExitSignal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRealizedPnL(t *testing.T) {
	long := &types.Position{Side: types.SideLong, EntryPrice: 100}
	if got := realizedPnL(long, 110, 2); got != 20 {
		t.Fatalf("long exit pnl = %v, want 20", got)
	}

	short := &types.Position{Side: types.SideShort, EntryPrice: 100}
	if got := realizedPnL(short, 110, 2); got != -20 {
		t.Fatalf("short exit pnl = %v, want -20", got)
	}
}
