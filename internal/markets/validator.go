package markets

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Rejection codes produced by condition checks.
const (
	RejectSpread     = "SPREAD_TOO_WIDE"
	RejectDepth      = "DEPTH_TOO_THIN"
	RejectVolatility = "VOLATILITY_EXTREME"
)

// confidenceFloorFactor keeps decay from ever zeroing a signal: the
// caller re-checks the adjusted confidence against its own minimum, and
// a hard zero would hide how close the signal actually was.
const confidenceFloorFactor = 0.1

// maxDimensionPenalty caps how much any single dimension can take off.
const maxDimensionPenalty = 0.5

// Validator gates signals on market quality. EvaluateConditions is the
// hard reject; ValidateConfidence is the soft decay applied to signals
// that pass it.
type Validator struct {
	maxSpreadPct  float64
	minDepthUSD   float64
	maxVolatility float64
	logger        *zap.Logger
}

// ValidatorConfig holds validation thresholds.
type ValidatorConfig struct {
	MaxSpreadPct  float64 // reject above this, default 0.005
	MinDepthUSD   float64 // reject when avg depth below this, default 10000
	MaxVolatility float64 // reject above this, default 0.05
	Logger        *zap.Logger
}

// NewValidator creates a market condition validator.
func NewValidator(cfg *ValidatorConfig) (*Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	v := &Validator{
		maxSpreadPct:  cfg.MaxSpreadPct,
		minDepthUSD:   cfg.MinDepthUSD,
		maxVolatility: cfg.MaxVolatility,
		logger:        cfg.Logger,
	}
	if v.maxSpreadPct <= 0 {
		v.maxSpreadPct = 0.005
	}
	if v.minDepthUSD <= 0 {
		v.minDepthUSD = 10000
	}
	if v.maxVolatility <= 0 {
		v.maxVolatility = 0.05
	}

	return v, nil
}

// EvaluateConditions rejects outright untradable markets.
func (v *Validator) EvaluateConditions(conds *types.MarketConditions) error {
	if conds == nil {
		return fmt.Errorf("conditions cannot be nil")
	}

	if conds.SpreadPct > v.maxSpreadPct {
		ValidationRejectsTotal.WithLabelValues("spread").Inc()

		return types.NewRejection(RejectSpread, "%s spread %.4f%% exceeds %.4f%%",
			conds.Symbol, conds.SpreadPct*100, v.maxSpreadPct*100)
	}
	if conds.AvgDepth() < v.minDepthUSD {
		ValidationRejectsTotal.WithLabelValues("depth").Inc()

		return types.NewRejection(RejectDepth, "%s avg depth $%.0f below $%.0f",
			conds.Symbol, conds.AvgDepth(), v.minDepthUSD)
	}
	if conds.Volatility > v.maxVolatility {
		ValidationRejectsTotal.WithLabelValues("volatility").Inc()

		return types.NewRejection(RejectVolatility, "%s volatility %.4f exceeds %.4f",
			conds.Symbol, conds.Volatility, v.maxVolatility)
	}

	return nil
}

// ValidateConfidence decays a signal's confidence for markets that pass
// the hard checks but are degraded: each dimension past half its reject
// threshold takes a proportional cut, and the estimated market impact of
// the intended notional takes another. The result never reaches zero;
// the caller re-checks it against its own minimum.
func (v *Validator) ValidateConfidence(signal *types.TradingSignal, conds *types.MarketConditions, notionalUSD float64) float64 {
	if signal == nil || conds == nil {
		return 0
	}

	adjusted := signal.Confidence

	adjusted *= 1 - overagePenalty(conds.SpreadPct, v.maxSpreadPct)
	adjusted *= 1 - overagePenalty(conds.Volatility, v.maxVolatility)
	adjusted *= 1 - shortagePenalty(conds.AvgDepth(), v.minDepthUSD)

	if avgDepth := conds.AvgDepth(); avgDepth > 0 && notionalUSD > 0 {
		ratio := notionalUSD / avgDepth
		impact := math.Min(1, ratio*ratio*0.1)
		adjusted *= 1 - impact*maxDimensionPenalty
	}

	floor := signal.Confidence * confidenceFloorFactor
	if adjusted < floor {
		adjusted = floor
	}

	if adjusted < signal.Confidence {
		ConfidenceDecayTotal.Add(signal.Confidence - adjusted)
		v.logger.Debug("confidence-decayed",
			zap.String("symbol", signal.Symbol),
			zap.Float64("raw", signal.Confidence),
			zap.Float64("adjusted", adjusted))
	}

	return adjusted
}

// overagePenalty scales from 0 at half the threshold to the cap at the
// threshold and beyond.
func overagePenalty(value, threshold float64) float64 {
	half := threshold / 2
	if value <= half {
		return 0
	}
	penalty := (value - half) / half * maxDimensionPenalty
	if penalty > maxDimensionPenalty {
		penalty = maxDimensionPenalty
	}

	return penalty
}

// shortagePenalty is the inverse: depth below twice the minimum starts
// costing, hitting the cap at the minimum itself.
func shortagePenalty(depth, minDepth float64) float64 {
	comfortable := minDepth * 2
	if depth >= comfortable {
		return 0
	}
	penalty := (comfortable - depth) / minDepth * maxDimensionPenalty
	if penalty > maxDimensionPenalty {
		penalty = maxDimensionPenalty
	}

	return penalty
}
