// Package recovery periodically sweeps open positions for states the
// normal execution path cannot reach on its own — orphaned, deeply
// underwater, stuck, over-leveraged, or stale positions — and issues
// corrective exit signals back through the risk manager and execution
// engine.
package recovery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Issue classes, in the order the analyzer checks them.
const (
	IssueOrphaned      = "ORPHANED"
	IssueExcessiveLoss = "EXCESSIVE_LOSS"
	IssueStuck         = "STUCK"
	IssueOverLeveraged = "OVER_LEVERAGED"
	IssueStale         = "STALE"
)

// Issue priorities. Only CRITICAL and HIGH issues are acted on.
const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityMedium   = "MEDIUM"
)

// Corrective actions.
const (
	ActionClose  = "CLOSE"
	ActionReduce = "REDUCE"
	ActionHedge  = "HEDGE"
	ActionAlert  = "ALERT"
	ActionWait   = "WAIT"
)

// ChannelAlert is the bus channel recovery alerts are published on.
const ChannelAlert = "recovery.alert"

// StrategyRecovery tags the synthetic signals this service emits.
const StrategyRecovery = "recovery"

// Issue is one detected problem with an open position.
type Issue struct {
	Symbol     string
	Side       string
	Type       string
	Priority   string
	Action     string
	Reason     string
	DetectedAt time.Time
}

// PortfolioSource supplies the venue account view. Satisfied by
// *venue.Client.
type PortfolioSource interface {
	AccountState(ctx context.Context) (*types.PortfolioStatus, error)
}

// HistorySource supplies strategies and trade history. Satisfied by
// storage.TradeStore.
type HistorySource interface {
	GetTrades(ctx context.Context, filter types.TradeFilter, limit int) ([]types.TradeRecord, error)
	GetAllStrategies(ctx context.Context) ([]types.StrategyRecord, error)
}

// RiskEvaluator produces an assessment for a corrective signal.
// Satisfied by *risk.Manager.
type RiskEvaluator interface {
	EvaluateSignal(ctx context.Context, signal *types.TradingSignal, portfolio *types.PortfolioStatus) (*types.RiskAssessment, error)
}

// SignalExecutor routes corrective signals. Satisfied by *engine.Engine.
type SignalExecutor interface {
	ExecuteSignal(ctx context.Context, signal *types.TradingSignal, assessment *types.RiskAssessment) (*types.TradeRecord, error)
}

// Service is the position recovery sweep.
type Service struct {
	venue    PortfolioSource
	history  HistorySource
	risk     RiskEvaluator
	executor SignalExecutor
	events   bus.Bus
	memo     *cache.Memoizer
	logger   *zap.Logger

	interval      time.Duration
	maxAttempts   int
	maxLossPct    float64
	stuckRangePct float64
	stuckMinAge   time.Duration
	maxLeverage   int
	staleAge      time.Duration
	alertWindow   time.Duration
	fetchTTL      time.Duration
	historyDepth  int

	sweeping atomic.Bool

	// Protected by mutex
	mu         sync.Mutex
	attempts   map[string]int // (symbol|side) -> corrective attempts
	lastAlerts map[string]time.Time
	stats      Stats

	wg sync.WaitGroup
}

// Stats is a snapshot of the service's counters.
type Stats struct {
	Sweeps            int
	IssuesFound       int
	ClosesDispatched  int
	ReducesDispatched int
	AlertsPublished   int
	AttemptsExhausted int
	LastSweep         time.Time
}

// Config holds recovery service configuration.
type Config struct {
	Venue    PortfolioSource
	History  HistorySource
	Risk     RiskEvaluator
	Executor SignalExecutor
	Bus      bus.Bus
	Memoizer *cache.Memoizer
	Logger   *zap.Logger

	SweepInterval time.Duration // default 30s
	MaxAttempts   int           // corrective attempts per (symbol,side), default 3
	MaxLossPct    float64       // unrealized loss fraction that forces a close, default 0.08
	StuckRangePct float64       // trade price range below this is "stuck", default 0.005
	StuckMinAge   time.Duration // position age before stuck applies, default 6h
	MaxLeverage   int           // leverage above this is excessive, default 20
	StaleAge      time.Duration // newest trade older than this is stale, default 24h
	AlertWindow   time.Duration // alert dedup window, default 30m
	FetchTTL      time.Duration // portfolio/history memoization TTL, default 5s
	HistoryDepth  int           // trades fetched per sweep, default 200
}

// New creates a recovery service.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue cannot be nil")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history cannot be nil")
	}
	if cfg.Risk == nil {
		return nil, fmt.Errorf("risk evaluator cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if cfg.Memoizer == nil {
		return nil, fmt.Errorf("memoizer cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Service{
		venue:         cfg.Venue,
		history:       cfg.History,
		risk:          cfg.Risk,
		executor:      cfg.Executor,
		events:        cfg.Bus,
		memo:          cfg.Memoizer,
		logger:        cfg.Logger,
		interval:      defaultDuration(cfg.SweepInterval, 30*time.Second),
		maxAttempts:   defaultInt(cfg.MaxAttempts, 3),
		maxLossPct:    defaultFloat(cfg.MaxLossPct, 0.08),
		stuckRangePct: defaultFloat(cfg.StuckRangePct, 0.005),
		stuckMinAge:   defaultDuration(cfg.StuckMinAge, 6*time.Hour),
		maxLeverage:   defaultInt(cfg.MaxLeverage, 20),
		staleAge:      defaultDuration(cfg.StaleAge, 24*time.Hour),
		alertWindow:   defaultDuration(cfg.AlertWindow, 30*time.Minute),
		fetchTTL:      defaultDuration(cfg.FetchTTL, 5*time.Second),
		historyDepth:  defaultInt(cfg.HistoryDepth, 200),
		attempts:      make(map[string]int),
		lastAlerts:    make(map[string]time.Time),
	}, nil
}

// Start runs the sweep on the configured interval until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("recovery-started",
		zap.Duration("interval", s.interval),
		zap.Int("max_attempts", s.maxAttempts))

	s.wg.Add(1)
	go s.loop(ctx)
}

// Close waits for in-flight sweeps to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery-stopped")

			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("recovery-sweep-failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one recovery pass. A sweep still in progress makes this a
// no-op; one position's failure never blocks the rest.
func (s *Service) Sweep(ctx context.Context) error {
	if !s.sweeping.CompareAndSwap(false, true) {
		SweepsTotal.WithLabelValues("overlap").Inc()
		s.logger.Debug("recovery-sweep-overlap")

		return nil
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	defer func() { SweepDurationSeconds.Observe(time.Since(start).Seconds()) }()

	account, err := s.fetchPortfolio(ctx)
	if err != nil {
		SweepsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("fetch portfolio: %w", err)
	}
	active, err := s.fetchActiveSymbols(ctx)
	if err != nil {
		SweepsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("fetch strategies: %w", err)
	}
	trades, err := s.fetchTrades(ctx)
	if err != nil {
		SweepsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("fetch trade history: %w", err)
	}

	now := time.Now()
	bySymbol := groupTrades(trades)

	var planned []plannedExit
	for i := range account.Positions {
		position := &account.Positions[i]
		issues := s.analyze(position, active, bySymbol[position.Symbol], now)
		for _, issue := range issues {
			IssuesTotal.WithLabelValues(issue.Type).Inc()
		}

		s.mu.Lock()
		s.stats.IssuesFound += len(issues)
		s.mu.Unlock()

		issue, ok := actionable(issues)
		if !ok {
			continue
		}

		switch issue.Action {
		case ActionClose:
			planned = append(planned, plannedExit{position: *position, issue: issue, fraction: 1.0})
		case ActionReduce:
			planned = append(planned, plannedExit{position: *position, issue: issue, fraction: 0.5})
		case ActionHedge:
			// Recommendation only; hedges are never auto-executed.
			s.logger.Warn("recovery-hedge-recommended",
				zap.String("symbol", issue.Symbol),
				zap.String("side", issue.Side),
				zap.String("reason", issue.Reason))
			s.alert(issue, now)
			ActionsTotal.WithLabelValues(ActionHedge, "logged").Inc()
		case ActionAlert:
			s.alert(issue, now)
		case ActionWait:
			s.logger.Info("recovery-wait",
				zap.String("symbol", issue.Symbol),
				zap.String("type", issue.Type),
				zap.String("reason", issue.Reason))
			ActionsTotal.WithLabelValues(ActionWait, "logged").Inc()
		}
	}

	// Same-cycle closes and reductions go out in parallel so one slow
	// venue call does not hold up the rest of the batch.
	var wg sync.WaitGroup
	for i := range planned {
		p := planned[i]
		if !s.takeAttempt(p.position.Symbol, p.position.Side) {
			AttemptsExhaustedTotal.Inc()
			s.logger.Warn("recovery-attempts-exhausted",
				zap.String("symbol", p.position.Symbol),
				zap.String("side", p.position.Side),
				zap.String("type", p.issue.Type))

			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatchExit(ctx, p)
		}()
	}
	wg.Wait()

	SweepsTotal.WithLabelValues("success").Inc()
	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.LastSweep = now
	s.mu.Unlock()

	return nil
}

// ResetAttempts clears the corrective-attempt counter for a position so
// an operator can re-arm recovery after manual intervention.
func (s *Service) ResetAttempts(symbol, side string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, attemptKey(symbol, side))
	s.logger.Info("recovery-attempts-reset",
		zap.String("symbol", symbol),
		zap.String("side", side))
}

// GetStats returns a snapshot of the service counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

type plannedExit struct {
	position types.Position
	issue    Issue
	fraction float64
}

// analyze classifies one position against the fixed, ordered issue set.
func (s *Service) analyze(p *types.Position, active map[string]bool, trades []types.TradeRecord, now time.Time) []Issue {
	var issues []Issue
	add := func(issueType, priority, action, format string, args ...any) {
		issues = append(issues, Issue{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Type:       issueType,
			Priority:   priority,
			Action:     action,
			Reason:     fmt.Sprintf(format, args...),
			DetectedAt: now,
		})
	}

	if !active[p.Symbol] {
		add(IssueOrphaned, PriorityHigh, ActionClose,
			"no active strategy references %s", p.Symbol)
	}

	if p.UnrealizedPnLPct <= -s.maxLossPct {
		add(IssueExcessiveLoss, PriorityCritical, ActionClose,
			"unrealized loss %.2f%% breaches %.2f%% limit",
			-p.UnrealizedPnLPct*100, s.maxLossPct*100)
	}

	if len(trades) >= stuckMinTrades && positionAge(p, trades) >= s.stuckMinAge {
		if r := priceRangePct(trades); r < s.stuckRangePct {
			add(IssueStuck, PriorityHigh, ActionWait,
				"price range %.3f%% across last %d trades", r*100, len(trades))
		}
	}

	if p.Leverage > s.maxLeverage {
		action := ActionReduce
		if p.UnrealizedPnL > 0 {
			// A profitable position keeps its upside; recommend a hedge
			// instead of realizing a partial close.
			action = ActionHedge
		}
		add(IssueOverLeveraged, PriorityHigh, action,
			"leverage %dx exceeds %dx cap", p.Leverage, s.maxLeverage)
	}

	if len(trades) > 0 {
		if age := now.Sub(newestTrade(trades)); age >= s.staleAge {
			add(IssueStale, PriorityHigh, ActionAlert,
				"last trade %.0fh ago", age.Hours())
		}
	}

	return issues
}

// stuckMinTrades is how many recent trades the stuck check needs before
// a flat price range means anything.
const stuckMinTrades = 5

// actionable picks the issue to act on: the first CRITICAL in analyzer
// order, else the first HIGH.
func actionable(issues []Issue) (Issue, bool) {
	for _, issue := range issues {
		if issue.Priority == PriorityCritical {
			return issue, true
		}
	}
	for _, issue := range issues {
		if issue.Priority == PriorityHigh {
			return issue, true
		}
	}

	return Issue{}, false
}

func (s *Service) dispatchExit(ctx context.Context, p plannedExit) {
	size := p.position.Size * p.fraction
	signal := &types.TradingSignal{
		ID:         uuid.NewString(),
		Symbol:     p.position.Symbol,
		Action:     closingAction(p.position.Side),
		Confidence: 1.0,
		Size:       size,
		OrderType:  types.OrderTypeMarket,
		ReduceOnly: true,
		Reason:     fmt.Sprintf("recovery %s: %s", p.issue.Type, p.issue.Reason),
		Strategy:   StrategyRecovery,
		CreatedAt:  time.Now(),
	}

	// The assessment is advisory for exits; a risk-side failure must
	// never leave a damaged position open.
	assessment, err := s.evaluate(ctx, signal)
	if err != nil {
		s.logger.Warn("recovery-risk-evaluation-failed",
			zap.String("symbol", signal.Symbol),
			zap.Error(err))
	}

	if _, err := s.executor.ExecuteSignal(ctx, signal, assessment); err != nil {
		ActionsTotal.WithLabelValues(p.issue.Action, "error").Inc()
		s.logger.Error("recovery-exit-failed",
			zap.String("symbol", signal.Symbol),
			zap.String("action", p.issue.Action),
			zap.String("type", p.issue.Type),
			zap.Error(err))

		return
	}

	ActionsTotal.WithLabelValues(p.issue.Action, "success").Inc()
	s.mu.Lock()
	if p.issue.Action == ActionClose {
		s.stats.ClosesDispatched++
	} else {
		s.stats.ReducesDispatched++
	}
	s.mu.Unlock()

	s.logger.Info("recovery-exit-dispatched",
		zap.String("symbol", signal.Symbol),
		zap.String("action", p.issue.Action),
		zap.String("type", p.issue.Type),
		zap.Float64("size", size),
		zap.String("reason", p.issue.Reason))
}

func (s *Service) evaluate(ctx context.Context, signal *types.TradingSignal) (*types.RiskAssessment, error) {
	account, err := s.fetchPortfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch portfolio: %w", err)
	}

	return s.risk.EvaluateSignal(ctx, signal, account)
}

// alert publishes a recovery alert, deduplicated per position and issue
// type within the alert window.
func (s *Service) alert(issue Issue, now time.Time) {
	key := attemptKey(issue.Symbol, issue.Side) + "|" + issue.Type

	s.mu.Lock()
	if last, ok := s.lastAlerts[key]; ok && now.Sub(last) < s.alertWindow {
		s.mu.Unlock()
		ActionsTotal.WithLabelValues(ActionAlert, "deduped").Inc()

		return
	}
	s.lastAlerts[key] = now
	s.stats.AlertsPublished++
	s.mu.Unlock()

	s.events.Publish(ChannelAlert, issue)
	ActionsTotal.WithLabelValues(ActionAlert, "published").Inc()
	s.logger.Warn("recovery-alert",
		zap.String("symbol", issue.Symbol),
		zap.String("side", issue.Side),
		zap.String("type", issue.Type),
		zap.String("reason", issue.Reason))
}

// takeAttempt consumes one corrective attempt for the position,
// reporting false once the cap is exhausted.
func (s *Service) takeAttempt(symbol, side string) bool {
	key := attemptKey(symbol, side)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts[key] >= s.maxAttempts {
		s.stats.AttemptsExhausted++

		return false
	}
	s.attempts[key]++

	return true
}

func (s *Service) fetchPortfolio(ctx context.Context) (*types.PortfolioStatus, error) {
	v, err := s.memo.Do(ctx, "recovery:portfolio", s.fetchTTL, func(ctx context.Context) (interface{}, error) {
		return s.venue.AccountState(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*types.PortfolioStatus), nil
}

func (s *Service) fetchActiveSymbols(ctx context.Context) (map[string]bool, error) {
	v, err := s.memo.Do(ctx, "recovery:strategies", s.fetchTTL, func(ctx context.Context) (interface{}, error) {
		strategies, err := s.history.GetAllStrategies(ctx)
		if err != nil {
			return nil, err
		}

		active := make(map[string]bool)
		for _, strategy := range strategies {
			if !strategy.Active {
				continue
			}
			for _, symbol := range strategy.Symbols {
				active[symbol] = true
			}
		}

		return active, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]bool), nil
}

func (s *Service) fetchTrades(ctx context.Context) ([]types.TradeRecord, error) {
	v, err := s.memo.Do(ctx, "recovery:trades", s.fetchTTL, func(ctx context.Context) (interface{}, error) {
		return s.history.GetTrades(ctx, types.TradeFilter{}, s.historyDepth)
	})
	if err != nil {
		return nil, err
	}

	return v.([]types.TradeRecord), nil
}

func groupTrades(trades []types.TradeRecord) map[string][]types.TradeRecord {
	bySymbol := make(map[string][]types.TradeRecord)
	for _, trade := range trades {
		bySymbol[trade.Symbol] = append(bySymbol[trade.Symbol], trade)
	}

	return bySymbol
}

// priceRangePct is the high-low trade price range as a fraction of the
// low.
func priceRangePct(trades []types.TradeRecord) float64 {
	low := math.Inf(1)
	high := math.Inf(-1)
	for _, trade := range trades {
		if trade.Price <= 0 {
			continue
		}
		low = math.Min(low, trade.Price)
		high = math.Max(high, trade.Price)
	}
	if math.IsInf(low, 1) || low == 0 {
		return 0
	}

	return (high - low) / low
}

// positionAge approximates how long the position has been open from its
// oldest recorded trade; trades come back newest first.
func positionAge(p *types.Position, trades []types.TradeRecord) time.Duration {
	oldest := p.UpdatedAt
	for _, trade := range trades {
		if oldest.IsZero() || trade.CreatedAt.Before(oldest) {
			oldest = trade.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}

	return time.Since(oldest)
}

func newestTrade(trades []types.TradeRecord) time.Time {
	var newest time.Time
	for _, trade := range trades {
		if trade.CreatedAt.After(newest) {
			newest = trade.CreatedAt
		}
	}

	return newest
}

func closingAction(side string) string {
	if side == types.SideLong {
		return types.ActionSell
	}

	return types.ActionBuy
}

func attemptKey(symbol, side string) string {
	return symbol + "|" + side
}

func defaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}

func defaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}

	return v
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}
