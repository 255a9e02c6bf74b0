package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/storage"
	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// VenueClient is the slice of the venue API the engine drives.
// Satisfied by *venue.Client.
type VenueClient interface {
	HasWallet() bool
	AccountState(ctx context.Context) (*types.PortfolioStatus, error)
	MidPrice(ctx context.Context, symbol string) (float64, error)
	Instrument(symbol string) (types.Instrument, bool)
	PlaceOrder(ctx context.Context, req *venue.OrderRequest) *types.PlaceOrderResult
}

// SafetyMonitor is the circuit-breaker collaborator consulted before
// entries. Satisfied by *risk.SafetyEngine.
type SafetyMonitor interface {
	CanEnterNewTrade() bool
	PositionSizeMultiplier() float64
	RecordTrade(notionalUSD float64)
}

// Engine turns approved trading signals into venue orders. Entries run
// the full anti-churn gate sequence; exits skip it, because closing
// risk must never wait out a cooldown.
type Engine struct {
	venue  VenueClient
	store  storage.TradeStore
	safety SafetyMonitor // nil disables the safety gate
	logger *zap.Logger

	minConfidence     float64
	minNotionalUSD    float64
	exitCheckInterval time.Duration
	stopTriggerRatio  float64
	tpTriggerRatio    float64

	gates    *gateState
	plans    *planStore
	inflight *inflightSet
}

// Config holds engine configuration. Zero values take the documented
// defaults.
type Config struct {
	MinConfidence       float64       // default 0.80
	DedupWindow         time.Duration // default 5m
	DedupPriceTolerance float64       // relative price move that breaks a duplicate, default 0.005
	DedupConfDelta      float64       // confidence distance that breaks a duplicate, default 0.1
	MaxSignalsPerMinute int           // default 10
	MinOrderInterval    time.Duration // default 30s
	OrderCooldown       time.Duration // default 10m
	MinNotionalUSD      float64       // entry size floor, default 10

	ExitCheckInterval time.Duration // default 5s
	StopTriggerRatio  float64       // fraction of the stop that fires the exit, default 0.9
	TPTriggerRatio    float64       // multiple of the target that fires the exit, default 1.15

	Venue  VenueClient
	Store  storage.TradeStore
	Safety SafetyMonitor // optional
	Logger *zap.Logger
}

// New creates an execution engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue client cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("trade store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	e := &Engine{
		venue:             cfg.Venue,
		store:             cfg.Store,
		safety:            cfg.Safety,
		logger:            cfg.Logger,
		minConfidence:     defaultFloat(cfg.MinConfidence, 0.80),
		minNotionalUSD:    defaultFloat(cfg.MinNotionalUSD, 10),
		exitCheckInterval: defaultDuration(cfg.ExitCheckInterval, 5*time.Second),
		stopTriggerRatio:  defaultFloat(cfg.StopTriggerRatio, 0.9),
		tpTriggerRatio:    defaultFloat(cfg.TPTriggerRatio, 1.15),
		plans:             newPlanStore(),
		inflight:          newInflightSet(),
	}
	e.gates = newGateState(
		defaultDuration(cfg.DedupWindow, 5*time.Minute),
		defaultFloat(cfg.DedupPriceTolerance, 0.005),
		defaultFloat(cfg.DedupConfDelta, 0.1),
		defaultInt(cfg.MaxSignalsPerMinute, 10),
		defaultDuration(cfg.MinOrderInterval, 30*time.Second),
		defaultDuration(cfg.OrderCooldown, 10*time.Minute),
	)

	return e, nil
}

// ExecuteSignal runs one signal through the gate sequence and, when it
// survives, submits the order, persists the trade, and maintains the
// symbol's managed exit plan. Policy outcomes come back as
// *types.RejectionError; other errors are infrastructure failures.
func (e *Engine) ExecuteSignal(ctx context.Context, signal *types.TradingSignal, assessment *types.RiskAssessment) (*types.TradeRecord, error) {
	if signal == nil {
		return nil, fmt.Errorf("signal cannot be nil")
	}

	start := time.Now()
	trade, err := e.execute(ctx, signal, assessment)
	ExecutionDurationSeconds.Observe(time.Since(start).Seconds())

	if rej, ok := types.IsRejection(err); ok {
		SignalsTotal.WithLabelValues("rejected").Inc()
		RejectionsTotal.WithLabelValues(rej.Code).Inc()
		e.logger.Info("signal-rejected",
			zap.String("symbol", signal.Symbol),
			zap.String("action", signal.Action),
			zap.String("code", rej.Code),
			zap.String("reason", rej.Reason))
	} else if err != nil {
		SignalsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("signal-execution-failed",
			zap.String("symbol", signal.Symbol),
			zap.String("action", signal.Action),
			zap.Error(err))
	} else {
		SignalsTotal.WithLabelValues("executed").Inc()
	}

	return trade, err
}

func (e *Engine) execute(ctx context.Context, signal *types.TradingSignal, assessment *types.RiskAssessment) (*types.TradeRecord, error) {
	if signal.Action == types.ActionHold {
		return nil, types.NewRejection(types.RejectHold, "hold signals are not tradable")
	}
	if signal.Action != types.ActionBuy && signal.Action != types.ActionSell {
		return nil, fmt.Errorf("unknown signal action %q", signal.Action)
	}

	if !e.venue.HasWallet() {
		return nil, types.NewRejection(types.RejectNoVenue, "venue client has no signing wallet")
	}

	account, err := e.venue.AccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account state: %w", err)
	}
	position := account.FindPosition(signal.Symbol)
	isExit := isExitSignal(signal, position)

	now := time.Now()

	if !isExit {
		if assessment == nil || !assessment.Approved {
			reason := "no risk assessment"
			if assessment != nil {
				reason = strings.Join(assessment.Reasons, "; ")
			}

			return nil, types.NewRejection(types.RejectNotApproved, "risk assessment rejected: %s", reason)
		}
		if signal.Confidence < e.minConfidence {
			return nil, types.NewRejection(types.RejectLowConfidence,
				"confidence %.2f below minimum %.2f", signal.Confidence, e.minConfidence)
		}
		if rej := e.gates.checkEntry(signal, now); rej != nil {
			return nil, rej
		}
	}

	size, refPrice, err := e.resolveSize(ctx, signal, assessment, position, isExit)
	if err != nil {
		return nil, err
	}

	if !isExit && e.safety != nil {
		if !e.safety.CanEnterNewTrade() {
			return nil, types.NewRejection(types.RejectSafetyBlocked, "safety monitor blocks new entries")
		}
		mult := e.safety.PositionSizeMultiplier()
		if mult <= 0 {
			return nil, types.NewRejection(types.RejectSafetyBlocked, "position size multiplier is %.2f", mult)
		}
		if mult < 1 {
			size *= mult
		}
	}
	if size <= 0 {
		return nil, types.NewRejection(types.RejectZeroSize, "resolved size for %s is zero", signal.Symbol)
	}

	// Stamp the cooldown before the venue call so a concurrent signal
	// for the same symbol fails the gate while this order is in flight.
	if isExit {
		e.gates.commitExit(signal.Symbol, now)
	} else if rej := e.gates.commitEntry(signal, now); rej != nil {
		return nil, rej
	}

	orderType := signal.OrderType
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}
	result := e.venue.PlaceOrder(ctx, &venue.OrderRequest{
		Symbol:     signal.Symbol,
		Side:       signal.Action,
		Type:       orderType,
		Price:      signal.Price,
		Size:       size,
		ReduceOnly: isExit,
	})
	if !result.Status.Success() {
		return nil, &types.VenueError{Op: "order", Code: string(result.Status), Message: result.Message}
	}

	intent := "entry"
	if isExit {
		intent = "exit"
	}
	OrdersSubmittedTotal.WithLabelValues(intent).Inc()

	filled := result.FilledSize
	if filled == 0 {
		filled = size
	}
	avgPrice := result.AvgPrice
	if avgPrice == 0 {
		avgPrice = refPrice
	}

	trade := &types.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       signal.Symbol,
		Action:       signal.Action,
		Quantity:     filled,
		Price:        avgPrice,
		Notional:     filled * avgPrice,
		Confidence:   signal.Confidence,
		Strategy:     signal.Strategy,
		Reason:       signal.Reason,
		Status:       string(result.Status),
		VenueOrderID: result.VenueOrderID,
		IsExit:       isExit,
		CreatedAt:    now,
	}
	if isExit {
		trade.RealizedPnL = realizedPnL(position, avgPrice, filled)
	}

	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("trade-persist-failed", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	if isExit {
		if e.plans.remove(signal.Symbol) {
			e.logger.Debug("exit-plan-cleared", zap.String("symbol", signal.Symbol))
		}
	} else {
		e.plans.set(types.ManagedExitPlan{
			Symbol:        signal.Symbol,
			Side:          sideForAction(signal.Action),
			EntryPrice:    avgPrice,
			Size:          filled,
			StopLossPct:   assessment.StopLossPct,
			TakeProfitPct: assessment.TakeProfitPct,
			Strategy:      signal.Strategy,
			CreatedAt:     now,
		})
	}

	if e.safety != nil {
		e.safety.RecordTrade(trade.Notional)
	}

	e.logger.Info("signal-executed",
		zap.String("symbol", signal.Symbol),
		zap.String("action", signal.Action),
		zap.Bool("exit", isExit),
		zap.Float64("size", filled),
		zap.Float64("price", avgPrice),
		zap.String("status", string(result.Status)),
		zap.Int64("venue_order_id", result.VenueOrderID))

	return trade, nil
}

// resolveSize turns the signal and assessment into a coin-denominated
// order size. Exits clamp to what is actually open; entries convert the
// approved notional at the reference price and are floored, never
// rejected, when they land under the venue minimum.
func (e *Engine) resolveSize(ctx context.Context, signal *types.TradingSignal, assessment *types.RiskAssessment, position *types.Position, isExit bool) (float64, float64, error) {
	if isExit {
		refPrice := signal.Price
		if refPrice == 0 {
			refPrice = position.MarkPrice
		}
		size := signal.Size
		if size <= 0 || size > position.Size {
			size = position.Size
		}

		return size, refPrice, nil
	}

	if assessment.PositionSize <= 0 {
		return 0, 0, types.NewRejection(types.RejectZeroSize, "approved position size is zero")
	}

	refPrice := signal.Price
	if refPrice == 0 {
		mid, err := e.venue.MidPrice(ctx, signal.Symbol)
		if err != nil {
			return 0, 0, fmt.Errorf("resolve mid price: %w", err)
		}
		refPrice = mid
	}
	if refPrice <= 0 {
		return 0, 0, types.NewRejection(types.RejectZeroSize, "no reference price for %s", signal.Symbol)
	}

	return e.floorSize(signal.Symbol, assessment.PositionSize/refPrice, refPrice), refPrice, nil
}

// floorSize bumps an entry below the venue minimum up to the smallest
// tradable size.
func (e *Engine) floorSize(symbol string, size, price float64) float64 {
	floor := e.minNotionalUSD / price
	if inst, ok := e.venue.Instrument(symbol); ok {
		if lot := math.Pow(10, -float64(inst.SzDecimals)); lot > floor {
			floor = lot
		}
	}
	if size < floor {
		e.logger.Debug("entry-size-floored",
			zap.String("symbol", symbol),
			zap.Float64("requested", size),
			zap.Float64("floor", floor))

		return floor
	}

	return size
}

// isExitSignal reports whether the signal reduces an existing position:
// explicitly reduce-only, or the opposite side of what is held.
func isExitSignal(signal *types.TradingSignal, position *types.Position) bool {
	if position == nil || position.Size == 0 {
		return false
	}
	if signal.ReduceOnly {
		return true
	}

	closing := types.ActionSell
	if position.Side == types.SideShort {
		closing = types.ActionBuy
	}

	return signal.Action == closing
}

// realizedPnL estimates the PnL booked by an exit fill against the
// position's average entry.
func realizedPnL(position *types.Position, exitPrice, size float64) float64 {
	perUnit := exitPrice - position.EntryPrice
	if position.Side == types.SideShort {
		perUnit = -perUnit
	}

	return perUnit * size
}

func sideForAction(action string) string {
	if action == types.ActionSell {
		return types.SideShort
	}

	return types.SideLong
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}

	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}

func defaultDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}

	return v
}
