package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// planStore holds at most one managed exit plan per symbol.
type planStore struct {
	mu    sync.RWMutex
	plans map[string]types.ManagedExitPlan
}

func newPlanStore() *planStore {
	return &planStore{plans: make(map[string]types.ManagedExitPlan)}
}

func (p *planStore) set(plan types.ManagedExitPlan) {
	p.mu.Lock()
	p.plans[plan.Symbol] = plan
	n := len(p.plans)
	p.mu.Unlock()

	ActivePlansGauge.Set(float64(n))
}

func (p *planStore) get(symbol string) (types.ManagedExitPlan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plan, ok := p.plans[symbol]

	return plan, ok
}

func (p *planStore) remove(symbol string) bool {
	p.mu.Lock()
	_, ok := p.plans[symbol]
	delete(p.plans, symbol)
	n := len(p.plans)
	p.mu.Unlock()

	ActivePlansGauge.Set(float64(n))

	return ok
}

func (p *planStore) all() []types.ManagedExitPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plans := make([]types.ManagedExitPlan, 0, len(p.plans))
	for _, plan := range p.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Symbol < plans[j].Symbol })

	return plans
}

// inflightSet tracks symbols with an exit submission in progress so a
// slow venue call cannot trigger duplicate exits on later ticks.
type inflightSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{set: make(map[string]struct{})}
}

func (s *inflightSet) tryAcquire(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.set[symbol]; busy {
		return false
	}
	s.set[symbol] = struct{}{}

	return true
}

func (s *inflightSet) release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.set, symbol)
}

// ExitPlans returns a copy of every registered managed exit plan,
// ordered by symbol.
func (e *Engine) ExitPlans() []types.ManagedExitPlan {
	return e.plans.all()
}

// ExitPlan returns the registered plan for symbol, if any.
func (e *Engine) ExitPlan(symbol string) (types.ManagedExitPlan, bool) {
	return e.plans.get(symbol)
}

// RegisterExitPlan installs or replaces the plan for plan.Symbol. The
// engine registers plans itself on entry fills; this is for recovery
// paths that adopt positions opened elsewhere.
func (e *Engine) RegisterExitPlan(plan types.ManagedExitPlan) {
	e.plans.set(plan)
}

// Start launches the managed-exit monitor: one check immediately, then
// on the configured interval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("exit-monitor-started", zap.Duration("interval", e.exitCheckInterval))
	e.CheckExitPlans(ctx)

	go e.exitLoop(ctx)
}

func (e *Engine) exitLoop(ctx context.Context) {
	ticker := time.NewTicker(e.exitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("exit-monitor-stopped")

			return
		case <-ticker.C:
			e.CheckExitPlans(ctx)
		}
	}
}

// CheckExitPlans enforces every registered plan once: prunes plans
// whose position is gone or flipped, and fires a market exit for any
// position past its stop or target trigger. One plan's failure never
// blocks the rest.
func (e *Engine) CheckExitPlans(ctx context.Context) {
	plans := e.plans.all()
	if len(plans) == 0 {
		return
	}

	account, err := e.venue.AccountState(ctx)
	if err != nil {
		e.logger.Error("exit-check-account-failed", zap.Error(err))

		return
	}

	for _, plan := range plans {
		e.enforcePlan(ctx, account, plan)
	}
}

func (e *Engine) enforcePlan(ctx context.Context, account *types.PortfolioStatus, plan types.ManagedExitPlan) {
	position := account.FindPosition(plan.Symbol)
	if position == nil || position.Size == 0 || position.Side != plan.Side {
		if e.plans.remove(plan.Symbol) {
			e.logger.Info("exit-plan-pruned",
				zap.String("symbol", plan.Symbol),
				zap.String("side", plan.Side))
		}

		return
	}

	entry := plan.EntryPrice
	if entry == 0 {
		entry = position.EntryPrice
	}
	mark := position.MarkPrice
	if entry <= 0 || mark <= 0 {
		return
	}

	pnlPct := (mark - entry) / entry
	if plan.Side == types.SideShort {
		pnlPct = -pnlPct
	}

	var kind, reason string
	switch {
	case plan.StopLossPct > 0 && pnlPct <= -e.stopTriggerRatio*plan.StopLossPct:
		kind = "stop"
		reason = fmt.Sprintf("managed stop: pnl %.4f breached trigger %.4f", pnlPct, -e.stopTriggerRatio*plan.StopLossPct)
	case plan.TakeProfitPct > 0 && pnlPct >= e.tpTriggerRatio*plan.TakeProfitPct:
		kind = "target"
		reason = fmt.Sprintf("managed target: pnl %.4f cleared trigger %.4f", pnlPct, e.tpTriggerRatio*plan.TakeProfitPct)
	default:
		return
	}

	if !e.inflight.tryAcquire(plan.Symbol) {
		return
	}
	ExitTriggersTotal.WithLabelValues(kind).Inc()

	exit := &types.TradingSignal{
		ID:         uuid.NewString(),
		Symbol:     plan.Symbol,
		Action:     closingAction(plan.Side),
		Confidence: 1.0,
		Size:       position.Size,
		OrderType:  types.OrderTypeMarket,
		ReduceOnly: true,
		Reason:     reason,
		Strategy:   plan.Strategy,
		CreatedAt:  time.Now(),
	}

	e.logger.Warn("managed-exit-triggered",
		zap.String("symbol", plan.Symbol),
		zap.String("kind", kind),
		zap.Float64("pnl_pct", pnlPct))

	go func() {
		defer e.inflight.release(plan.Symbol)

		if _, err := e.ExecuteSignal(ctx, exit, nil); err != nil {
			e.logger.Error("managed-exit-failed",
				zap.String("symbol", plan.Symbol),
				zap.String("kind", kind),
				zap.Error(err))
		}
	}()
}

func closingAction(side string) string {
	if side == types.SideShort {
		return types.ActionBuy
	}

	return types.ActionSell
}
