package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// ChannelDiscrepancy carries every detected discrepancy on the bus.
const ChannelDiscrepancy = "reconciliation.discrepancy"

// Discrepancy types.
const (
	DiscrepancyMissingPosition = "MISSING_POSITION" // tracked locally, absent on the venue
	DiscrepancyGhostPosition   = "GHOST_POSITION"   // reported by the venue, untracked locally
	DiscrepancyQuantity        = "QUANTITY"
	DiscrepancySide            = "SIDE"
)

// Adjustment types.
const (
	AdjustSyncPosition = "SYNC_POSITION" // replace local state with venue truth
	AdjustAddFill      = "ADD_FILL"      // true up a small quantity gap with a synthetic fill
)

// Discrepancy is one detected divergence between local and venue state.
type Discrepancy struct {
	Type       string
	Symbol     string
	LocalQty   float64
	VenueQty   float64
	LocalSide  string
	VenueSide  string
	Difference float64
	DetectedAt time.Time
}

// Adjustment is the corrective action recommended for a discrepancy.
// SYNC_POSITION carries the venue position to adopt (nil means the venue
// is flat and the local position should be dropped). ADD_FILL carries a
// synthetic fill that walks the local quantity to the venue's.
type Adjustment struct {
	Type     string
	Symbol   string
	Position *types.Position
	Fill     *types.Fill
	Applied  bool
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	CheckedAt     time.Time
	Matched       int
	Discrepancies []Discrepancy
	Adjustments   []Adjustment
}

// Clean reports whether local state fully agreed with the venue.
func (r *Report) Clean() bool {
	return len(r.Discrepancies) == 0
}

// PositionSource is the venue view reconciliation audits against.
type PositionSource interface {
	AccountState(ctx context.Context) (*types.PortfolioStatus, error)
}

// LocalState is the locally tracked position book being audited.
type LocalState interface {
	AllPositions() []*types.Position
	UpsertPosition(position *types.Position)
	RemovePosition(symbol string) bool
}

// Reconciler compares local position state against venue truth on a
// timer, publishes discrepancies, and optionally applies the corrective
// adjustments itself.
type Reconciler struct {
	venue            PositionSource
	store            LocalState
	events           bus.Bus
	interval         time.Duration
	tolerancePercent float64
	minDifference    float64
	autoApply        bool
	logger           *zap.Logger
}

// Config holds reconciler configuration.
type Config struct {
	Venue            PositionSource
	Store            LocalState
	Bus              bus.Bus
	Interval         time.Duration // default 1m
	TolerancePercent float64       // quantity tolerance as a fraction of local qty, default 0.01
	MinDifference    float64       // absolute tolerance floor in coin units, default 0.1
	AutoApply        bool          // apply adjustments instead of only surfacing them
	Logger           *zap.Logger
}

// New creates a reconciler.
func New(cfg *Config) (*Reconciler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	tolerancePercent := cfg.TolerancePercent
	if tolerancePercent <= 0 {
		tolerancePercent = 0.01
	}
	minDifference := cfg.MinDifference
	if minDifference <= 0 {
		minDifference = 0.1
	}

	return &Reconciler{
		venue:            cfg.Venue,
		store:            cfg.Store,
		events:           cfg.Bus,
		interval:         interval,
		tolerancePercent: tolerancePercent,
		minDifference:    minDifference,
		autoApply:        cfg.AutoApply,
		logger:           cfg.Logger,
	}, nil
}

// Start reconciles once immediately, then on the interval until the
// context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler-started",
		zap.Duration("interval", r.interval),
		zap.Bool("auto_apply", r.autoApply))

	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Error("initial-reconciliation-failed", zap.Error(err))
	}

	go r.loop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler-stopped")

			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation-failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one full pass: fetch venue positions, compare against
// the local book, publish discrepancies, and apply adjustments when
// auto-apply is on.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	account, err := r.venue.AccountState(ctx)
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()

		return nil, fmt.Errorf("fetch venue positions: %w", err)
	}

	report := r.ComparePositions(r.store.AllPositions(), account.Positions)
	RunsTotal.WithLabelValues("success").Inc()
	MatchedGauge.Set(float64(report.Matched))

	for i := range report.Discrepancies {
		d := report.Discrepancies[i]
		DiscrepanciesTotal.WithLabelValues(d.Type).Inc()
		r.events.Publish(ChannelDiscrepancy, d)
		r.logger.Warn("position-discrepancy",
			zap.String("type", d.Type),
			zap.String("symbol", d.Symbol),
			zap.Float64("local_qty", d.LocalQty),
			zap.Float64("venue_qty", d.VenueQty),
			zap.Float64("difference", d.Difference))
	}

	if r.autoApply {
		for i := range report.Adjustments {
			r.apply(&report.Adjustments[i])
		}
	}

	return report, nil
}

// ComparePositions walks the union of local and venue symbols and
// classifies every divergence. Quantity gaps within the tolerance are
// matches; beyond it, small gaps get a synthetic fill and large gaps a
// full sync.
func (r *Reconciler) ComparePositions(local []*types.Position, venue []types.Position) *Report {
	report := &Report{CheckedAt: time.Now()}

	localBySymbol := make(map[string]*types.Position, len(local))
	for _, p := range local {
		if p != nil && p.Size != 0 {
			localBySymbol[p.Symbol] = p
		}
	}
	venueBySymbol := make(map[string]*types.Position, len(venue))
	for i := range venue {
		if venue[i].Size != 0 {
			venueBySymbol[venue[i].Symbol] = &venue[i]
		}
	}

	symbols := make([]string, 0, len(localBySymbol)+len(venueBySymbol))
	for symbol := range localBySymbol {
		symbols = append(symbols, symbol)
	}
	for symbol := range venueBySymbol {
		if _, ok := localBySymbol[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		r.compareSymbol(report, symbol, localBySymbol[symbol], venueBySymbol[symbol])
	}

	return report
}

func (r *Reconciler) compareSymbol(report *Report, symbol string, local, venue *types.Position) {
	now := time.Now()

	switch {
	case venue == nil:
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Type:       DiscrepancyMissingPosition,
			Symbol:     symbol,
			LocalQty:   local.Size,
			LocalSide:  local.Side,
			Difference: local.Size,
			DetectedAt: now,
		})
		report.Adjustments = append(report.Adjustments, Adjustment{
			Type:   AdjustSyncPosition,
			Symbol: symbol,
		})

		return
	case local == nil:
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Type:       DiscrepancyGhostPosition,
			Symbol:     symbol,
			VenueQty:   venue.Size,
			VenueSide:  venue.Side,
			Difference: venue.Size,
			DetectedAt: now,
		})
		report.Adjustments = append(report.Adjustments, Adjustment{
			Type:     AdjustSyncPosition,
			Symbol:   symbol,
			Position: clonePosition(venue),
		})

		return
	}

	if local.Side != venue.Side {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Type:       DiscrepancySide,
			Symbol:     symbol,
			LocalQty:   local.Size,
			VenueQty:   venue.Size,
			LocalSide:  local.Side,
			VenueSide:  venue.Side,
			Difference: math.Abs(venue.Size - local.Size),
			DetectedAt: now,
		})
		report.Adjustments = append(report.Adjustments, Adjustment{
			Type:     AdjustSyncPosition,
			Symbol:   symbol,
			Position: clonePosition(venue),
		})

		return
	}

	gap := math.Abs(venue.Size - local.Size)
	tolerance := math.Max(local.Size*r.tolerancePercent, r.minDifference)
	if gap <= tolerance {
		report.Matched++

		return
	}

	report.Discrepancies = append(report.Discrepancies, Discrepancy{
		Type:       DiscrepancyQuantity,
		Symbol:     symbol,
		LocalQty:   local.Size,
		VenueQty:   venue.Size,
		LocalSide:  local.Side,
		VenueSide:  venue.Side,
		Difference: gap,
		DetectedAt: now,
	})

	if gap > 10*r.minDifference {
		report.Adjustments = append(report.Adjustments, Adjustment{
			Type:     AdjustSyncPosition,
			Symbol:   symbol,
			Position: clonePosition(venue),
		})

		return
	}

	report.Adjustments = append(report.Adjustments, Adjustment{
		Type:   AdjustAddFill,
		Symbol: symbol,
		Fill:   syntheticFill(local, venue, gap),
	})
}

// syntheticFill builds the fill that walks local quantity to venue
// quantity. Growing a LONG buys, shrinking it sells; mirrored for SHORT.
func syntheticFill(local, venue *types.Position, gap float64) *types.Fill {
	growing := venue.Size > local.Size
	side := types.OrderSideBuy
	if (local.Side == types.SideLong) != growing {
		side = types.OrderSideSell
	}

	price := venue.MarkPrice
	if price == 0 {
		price = venue.EntryPrice
	}

	return &types.Fill{
		ID:        "recon-" + uuid.NewString(),
		Symbol:    local.Symbol,
		Side:      side,
		Price:     price,
		Size:      gap,
		Timestamp: time.Now(),
	}
}

func (r *Reconciler) apply(adj *Adjustment) {
	switch adj.Type {
	case AdjustSyncPosition:
		if adj.Position == nil {
			r.store.RemovePosition(adj.Symbol)
		} else {
			r.store.UpsertPosition(adj.Position)
		}
	case AdjustAddFill:
		if !r.applyFill(adj) {
			return
		}
	default:
		return
	}

	adj.Applied = true
	AdjustmentsAppliedTotal.WithLabelValues(adj.Type).Inc()
	r.logger.Info("adjustment-applied",
		zap.String("type", adj.Type),
		zap.String("symbol", adj.Symbol))
}

// applyFill folds the synthetic fill into the tracked position: growth
// re-weights the entry price, reduction keeps it.
func (r *Reconciler) applyFill(adj *Adjustment) bool {
	var local *types.Position
	for _, p := range r.store.AllPositions() {
		if p.Symbol == adj.Symbol {
			local = p
			break
		}
	}
	if local == nil || adj.Fill == nil {
		return false
	}

	grows := (local.Side == types.SideLong) == (adj.Fill.Side == types.OrderSideBuy)
	if grows {
		newSize := local.Size + adj.Fill.Size
		local.EntryPrice = (local.EntryPrice*local.Size + adj.Fill.Price*adj.Fill.Size) / newSize
		local.Size = newSize
	} else {
		local.Size -= adj.Fill.Size
	}
	local.UpdatedAt = time.Now()
	r.store.UpsertPosition(local)

	return true
}

func clonePosition(p *types.Position) *types.Position {
	clone := *p

	return &clone
}
