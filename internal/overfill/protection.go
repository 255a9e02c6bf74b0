package overfill

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Policy decides what happens to a fill that would push an order past its
// requested quantity by more than the tolerance.
type Policy string

// Overfill policies.
const (
	PolicyAllow      Policy = "allow"
	PolicyAutoAdjust Policy = "auto_adjust"
	PolicyReject     Policy = "reject"
)

// Decision actions recorded in the audit history.
const (
	ActionAccepted  = "accepted"
	ActionAdjusted  = "adjusted"
	ActionRejected  = "rejected"
	ActionDuplicate = "duplicate"
)

// ErrUnknownOrder is returned for fills that match no registered order.
// Fills for orders placed outside this process are reconciliation's
// problem, not an accounting failure here.
var ErrUnknownOrder = errors.New("fill matches no registered order")

// Protection tracks requested quantity against accumulated fills per
// order, independently of venue acknowledgement. It is the component
// that stops a duplicate or replayed fill message from silently doubling
// a position.
type Protection struct {
	tolerance    float64
	policy       Policy
	historyLimit int
	logger       *zap.Logger

	// Protected by mutex
	mu      sync.RWMutex
	orders  map[string]*trackedOrder // keyed by internal order ID
	byCloid map[string]string
	byVenue map[int64]string
	history []Decision
	stats   Stats
}

type trackedOrder struct {
	order   types.Order
	fillIDs map[string]bool
}

// Decision is one audit entry: what a fill asked for and what happened.
type Decision struct {
	OrderID     string
	FillID      string
	Symbol      string
	FillQty     float64
	AcceptedQty float64
	OverfillQty float64
	Action      string
	Reason      string
	DecidedAt   time.Time
}

// CheckResult reports how a hypothetical fill would be treated.
type CheckResult struct {
	Allowed     bool
	AcceptedQty float64
	OverfillQty float64
	Reason      string
}

// Stats summarizes protection activity.
type Stats struct {
	TrackedOrders int
	Accepted      int
	Adjusted      int
	Rejected      int
	Duplicates    int
	Unmatched     int
}

// Config holds overfill protection configuration.
type Config struct {
	// TolerancePercent is the slack beyond the requested quantity that
	// any policy accepts without engaging, as a fraction of order size.
	TolerancePercent float64
	Policy           Policy
	HistoryLimit     int // default 1000
	Logger           *zap.Logger
}

// New creates an overfill protection tracker.
func New(cfg *Config) (*Protection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.TolerancePercent < 0 {
		return nil, fmt.Errorf("tolerance percent cannot be negative")
	}
	switch cfg.Policy {
	case PolicyAllow, PolicyAutoAdjust, PolicyReject:
	default:
		return nil, fmt.Errorf("unknown policy %q", cfg.Policy)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}

	return &Protection{
		tolerance:    cfg.TolerancePercent,
		policy:       cfg.Policy,
		historyLimit: limit,
		logger:       cfg.Logger,
		orders:       make(map[string]*trackedOrder),
		byCloid:      make(map[string]string),
		byVenue:      make(map[int64]string),
	}, nil
}

// RegisterOrder starts tracking an order. Called before submission so
// fills arriving out of order are still accounted. Re-registering an
// already tracked ID is a no-op; placement retries reuse the same order.
func (p *Protection) RegisterOrder(order *types.Order) {
	if order == nil || order.ID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[order.ID]; ok {
		p.logger.Debug("order-already-registered", zap.String("order_id", order.ID))

		return
	}

	tracked := &trackedOrder{order: *order, fillIDs: make(map[string]bool)}
	tracked.order.FilledSize = 0
	tracked.order.AvgFillPrice = 0

	p.orders[order.ID] = tracked
	if order.ClientOrderID != "" {
		p.byCloid[order.ClientOrderID] = order.ID
	}
	if order.VenueOrderID != 0 {
		p.byVenue[order.VenueOrderID] = order.ID
	}

	OrdersTrackedTotal.Inc()
	p.logger.Debug("order-registered",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.Float64("size", order.Size))
}

// RecordFill applies a fill to its order. Idempotent on fill ID:
// duplicates are logged and ignored. The configured policy decides what
// happens when the fill would overshoot the order beyond tolerance; only
// a rejection returns an error.
func (p *Protection) RecordFill(fill *types.Fill) error {
	if fill == nil {
		return fmt.Errorf("fill cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tracked := p.resolveLocked(fill)
	if tracked == nil {
		p.stats.Unmatched++
		FillsTotal.WithLabelValues("unmatched").Inc()
		p.logger.Debug("fill-unmatched",
			zap.String("fill_id", fill.ID),
			zap.String("symbol", fill.Symbol))

		return fmt.Errorf("fill %s for %s: %w", fill.ID, fill.Symbol, ErrUnknownOrder)
	}

	order := &tracked.order

	if fill.ID != "" && tracked.fillIDs[fill.ID] {
		p.stats.Duplicates++
		FillsTotal.WithLabelValues(ActionDuplicate).Inc()
		p.recordDecisionLocked(Decision{
			OrderID:   order.ID,
			FillID:    fill.ID,
			Symbol:    fill.Symbol,
			FillQty:   fill.Size,
			Action:    ActionDuplicate,
			Reason:    "fill id already recorded",
			DecidedAt: time.Now(),
		})
		p.logger.Warn("duplicate-fill-ignored",
			zap.String("fill_id", fill.ID),
			zap.String("order_id", order.ID))

		return nil
	}

	check := p.checkLocked(order, fill.Size)

	decision := Decision{
		OrderID:     order.ID,
		FillID:      fill.ID,
		Symbol:      fill.Symbol,
		FillQty:     fill.Size,
		AcceptedQty: check.AcceptedQty,
		OverfillQty: check.OverfillQty,
		Reason:      check.Reason,
		DecidedAt:   time.Now(),
	}

	if !check.Allowed {
		decision.Action = ActionRejected
		p.stats.Rejected++
		FillsTotal.WithLabelValues(ActionRejected).Inc()
		p.recordDecisionLocked(decision)
		p.logger.Error("overfill-rejected",
			zap.String("order_id", order.ID),
			zap.String("fill_id", fill.ID),
			zap.Float64("fill_qty", fill.Size),
			zap.Float64("remaining", order.Remaining()),
			zap.Float64("overfill_qty", check.OverfillQty))

		return fmt.Errorf("overfill rejected for order %s: fill %v exceeds remaining %v beyond tolerance",
			order.ID, fill.Size, order.Remaining())
	}

	if check.AcceptedQty != fill.Size {
		decision.Action = ActionAdjusted
		p.stats.Adjusted++
		FillsTotal.WithLabelValues(ActionAdjusted).Inc()
		AdjustedQtyTotal.Add(check.OverfillQty)
		p.logger.Warn("overfill-adjusted",
			zap.String("order_id", order.ID),
			zap.String("fill_id", fill.ID),
			zap.Float64("fill_qty", fill.Size),
			zap.Float64("accepted_qty", check.AcceptedQty),
			zap.Float64("overfill_qty", check.OverfillQty))
	} else {
		decision.Action = ActionAccepted
		p.stats.Accepted++
		FillsTotal.WithLabelValues(ActionAccepted).Inc()
	}

	if fill.ID != "" {
		tracked.fillIDs[fill.ID] = true
	}
	if fill.VenueOrderID != 0 {
		order.VenueOrderID = fill.VenueOrderID
		p.byVenue[fill.VenueOrderID] = order.ID
	}

	if check.AcceptedQty > 0 {
		prevFilled := order.FilledSize
		order.FilledSize += check.AcceptedQty
		order.AvgFillPrice = (order.AvgFillPrice*prevFilled + fill.Price*check.AcceptedQty) / order.FilledSize
	}

	if order.FilledSize >= order.Size {
		order.Status = types.OrderStateFilled
	} else if order.FilledSize > 0 {
		order.Status = types.OrderStatePartial
	}
	order.UpdatedAt = time.Now()

	p.recordDecisionLocked(decision)

	return nil
}

// CheckFill reports how a fill of qty would be treated right now, without
// recording anything.
func (p *Protection) CheckFill(orderID string, qty float64) (CheckResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tracked, ok := p.orders[orderID]
	if !ok {
		return CheckResult{}, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}

	return p.checkLocked(&tracked.order, qty), nil
}

// checkLocked is the decision function. potentialOverfill is how far the
// fill overshoots the remaining quantity; tolerance is a fraction of the
// original order size.
func (p *Protection) checkLocked(order *types.Order, qty float64) CheckResult {
	remaining := order.Remaining()
	potentialOverfill := qty - remaining
	tolerance := order.Size * p.tolerance

	if potentialOverfill <= tolerance {
		return CheckResult{Allowed: true, AcceptedQty: qty}
	}

	switch p.policy {
	case PolicyAllow:
		return CheckResult{
			Allowed:     true,
			AcceptedQty: qty,
			OverfillQty: potentialOverfill,
			Reason:      "overfill allowed by policy",
		}
	case PolicyAutoAdjust:
		return CheckResult{
			Allowed:     true,
			AcceptedQty: remaining,
			OverfillQty: potentialOverfill,
			Reason:      "fill clipped to remaining quantity",
		}
	default:
		return CheckResult{
			Allowed:     false,
			OverfillQty: potentialOverfill,
			Reason:      "overfill beyond tolerance",
		}
	}
}

// OrderFill returns a copy of the tracked order state.
func (p *Protection) OrderFill(orderID string) (types.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tracked, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, false
	}

	return tracked.order, true
}

// Remove stops tracking an order. Called when the state cache evicts a
// terminal order.
func (p *Protection) Remove(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracked, ok := p.orders[orderID]
	if !ok {
		return
	}

	delete(p.orders, orderID)
	if tracked.order.ClientOrderID != "" {
		delete(p.byCloid, tracked.order.ClientOrderID)
	}
	if tracked.order.VenueOrderID != 0 {
		delete(p.byVenue, tracked.order.VenueOrderID)
	}
}

// History returns the most recent decisions, newest last. limit <= 0
// returns everything retained.
func (p *Protection) History(limit int) []Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.history)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Decision, n)
	copy(out, p.history[len(p.history)-n:])

	return out
}

// GetStats returns a snapshot of protection activity.
func (p *Protection) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.stats
	stats.TrackedOrders = len(p.orders)

	return stats
}

// resolveLocked finds the tracked order a fill belongs to. Stream fills
// identify orders by client order ID or venue order ID; response fills
// carry the internal ID.
func (p *Protection) resolveLocked(fill *types.Fill) *trackedOrder {
	if fill.OrderID != "" {
		if tracked, ok := p.orders[fill.OrderID]; ok {
			return tracked
		}
		if id, ok := p.byCloid[fill.OrderID]; ok {
			return p.orders[id]
		}
	}
	if fill.VenueOrderID != 0 {
		if id, ok := p.byVenue[fill.VenueOrderID]; ok {
			return p.orders[id]
		}
	}

	return nil
}

func (p *Protection) recordDecisionLocked(decision Decision) {
	if len(p.history) >= p.historyLimit {
		copy(p.history, p.history[1:])
		p.history = p.history[:len(p.history)-1]
	}

	p.history = append(p.history, decision)
}
