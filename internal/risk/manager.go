package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Bus channels published by the manager.
const (
	ChannelEmergencyStop = "risk.emergency_stop"
	ChannelLimitBreach   = "risk.limit_breach"
)

// EmergencyStopEvent is the bus payload for an emergency stop.
type EmergencyStopEvent struct {
	Reason   string
	DailyPnL float64
	At       time.Time
}

// LimitBreachEvent is the bus payload for a crossed daily loss limit.
type LimitBreachEvent struct {
	DailyPnL float64
	LimitUSD float64
	At       time.Time
}

// Manager sizes trades and guards the account. Signal evaluation is a
// pure function of the signal and portfolio snapshot plus the mutable
// daily counters; position risk state lives in position.go.
type Manager struct {
	baseStopPct       float64
	rewardRiskMin     float64
	minRiskPct        float64
	maxRiskPct        float64
	minConfidence     float64
	maxMarginPct      float64
	maxPortfolioPct   float64
	defaultLeverage   int
	maxLeverage       int
	lossStreakFactor  float64
	perTradeLossPct   float64
	maxRiskScore      float64
	maxDailyLossPct   float64
	hardDailyLossUSD  float64
	trailingActivate  float64
	trailingGiveBack  float64
	breakevenArmPct   float64
	hardStopPct       float64
	timeStopAfter     time.Duration
	timeStopLossPct   float64
	maxHoldingTime    time.Duration
	logger            *zap.Logger
	events            bus.Bus

	emergencyStop atomic.Bool

	// Protected by mutex
	mu                sync.RWMutex
	day               string
	dailyPnL          float64
	consecutiveLosses int
	lastEquity        float64
	positions         map[string]*positionState
}

// Config holds risk manager configuration. Zero values take the
// documented defaults.
type Config struct {
	BaseStopLossPct float64 // default 0.015
	RewardRiskMin   float64 // default 2.5

	MinRiskPct              float64 // risk budget fraction at anchor confidence, default 0.005
	MaxRiskPct              float64 // risk budget fraction at confidence 1.0, default 0.02
	MinConfidence           float64 // sizing anchor, default 0.8
	MaxMarginPerTradePct    float64 // of available balance, default 0.2
	MaxPortfolioNotionalPct float64 // of equity, default 2.0
	DefaultLeverage         int     // default 3
	MaxLeverage             int     // signal leverage clamp, default 10
	LossStreakFactor        float64 // default 0.75
	PerTradeLossCapPct      float64 // of equity, default 0.015
	MaxRiskScore            float64 // default 0.7

	MaxDailyLossPct  float64 // of equity, default 0.05
	HardDailyLossUSD float64 // absolute, 0 disables

	TrailingActivatePct float64       // default 0.01
	TrailingGiveBackPct float64       // default 0.5
	BreakevenArmPct     float64       // default 0.005
	HardStopPct         float64       // default 0.02
	TimeStopAfter       time.Duration // default 4h
	TimeStopLossPct     float64       // default 0.002
	MaxHoldingTime      time.Duration // default 24h

	Bus    bus.Bus
	Logger *zap.Logger
}

// New creates a risk manager.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}

	m := &Manager{
		baseStopPct:      defaultFloat(cfg.BaseStopLossPct, 0.015),
		rewardRiskMin:    defaultFloat(cfg.RewardRiskMin, 2.5),
		minRiskPct:       defaultFloat(cfg.MinRiskPct, 0.005),
		maxRiskPct:       defaultFloat(cfg.MaxRiskPct, 0.02),
		minConfidence:    defaultFloat(cfg.MinConfidence, 0.8),
		maxMarginPct:     defaultFloat(cfg.MaxMarginPerTradePct, 0.2),
		maxPortfolioPct:  defaultFloat(cfg.MaxPortfolioNotionalPct, 2.0),
		defaultLeverage:  defaultInt(cfg.DefaultLeverage, 3),
		maxLeverage:      defaultInt(cfg.MaxLeverage, 10),
		lossStreakFactor: defaultFloat(cfg.LossStreakFactor, 0.75),
		perTradeLossPct:  defaultFloat(cfg.PerTradeLossCapPct, 0.015),
		maxRiskScore:     defaultFloat(cfg.MaxRiskScore, 0.7),
		maxDailyLossPct:  defaultFloat(cfg.MaxDailyLossPct, 0.05),
		hardDailyLossUSD: cfg.HardDailyLossUSD,
		trailingActivate: defaultFloat(cfg.TrailingActivatePct, 0.01),
		trailingGiveBack: defaultFloat(cfg.TrailingGiveBackPct, 0.5),
		breakevenArmPct:  defaultFloat(cfg.BreakevenArmPct, 0.005),
		hardStopPct:      defaultFloat(cfg.HardStopPct, 0.02),
		timeStopAfter:    defaultDuration(cfg.TimeStopAfter, 4*time.Hour),
		timeStopLossPct:  defaultFloat(cfg.TimeStopLossPct, 0.002),
		maxHoldingTime:   defaultDuration(cfg.MaxHoldingTime, 24*time.Hour),
		logger:           cfg.Logger,
		events:           cfg.Bus,
		day:              utcDay(time.Now()),
		positions:        make(map[string]*positionState),
	}

	if m.minRiskPct > m.maxRiskPct {
		return nil, fmt.Errorf("min risk pct %v exceeds max risk pct %v", m.minRiskPct, m.maxRiskPct)
	}

	return m, nil
}

// EvaluateSignal sizes a signal against the portfolio. Policy outcomes
// come back as an unapproved assessment with reasons; an error means the
// inputs or the stop/target contract are broken.
func (m *Manager) EvaluateSignal(_ context.Context, signal *types.TradingSignal, portfolio *types.PortfolioStatus) (*types.RiskAssessment, error) {
	if signal == nil {
		return nil, fmt.Errorf("signal cannot be nil")
	}
	if portfolio == nil {
		return nil, fmt.Errorf("portfolio cannot be nil")
	}

	m.mu.Lock()
	m.rolloverLocked()
	m.lastEquity = portfolio.TotalBalance
	dailyPnL := m.dailyPnL
	losses := m.consecutiveLosses
	m.mu.Unlock()

	assessment := &types.RiskAssessment{
		Leverage: m.leverageFor(signal),
	}

	if signal.Action == types.ActionHold {
		return m.reject(assessment, "hold-signal", "hold signals carry no trade"), nil
	}
	if m.emergencyStop.Load() {
		return m.reject(assessment, "emergency-stop", "emergency stop active, entries disabled"), nil
	}

	dailyLimit := m.dailyLossLimit(portfolio.TotalBalance)
	if dailyLimit > 0 && -dailyPnL >= dailyLimit {
		return m.reject(assessment, "daily-loss", "daily loss %.2f at limit %.2f", -dailyPnL, dailyLimit), nil
	}

	stop, target := m.stopAndTarget(signal.Confidence, dailyPnL)
	rr := target / stop
	if rr < m.rewardRiskMin {
		return nil, fmt.Errorf("reward/risk %.2f below contract minimum %.2f", rr, m.rewardRiskMin)
	}
	assessment.StopLossPct = stop
	assessment.TakeProfitPct = target
	assessment.RiskRewardRatio = rr

	notional, reductionPct := m.sizePosition(signal, portfolio, stop, losses, assessment.Leverage)
	assessment.PositionSize = notional
	assessment.MaxLossUSD = notional * stop
	assessment.SizeReductionPct = reductionPct

	existing := 0.0
	if pos := portfolio.FindPosition(signal.Symbol); pos != nil {
		existing = pos.Notional()
	}
	hardCap := m.hardCap(portfolio, assessment.Leverage)
	assessment.RiskScore = m.riskScore(existing, notional, hardCap, dailyPnL, dailyLimit)

	switch {
	case notional <= 0:
		m.reject(assessment, "sized-to-zero", "position sized to zero")
	case assessment.RiskScore >= m.maxRiskScore:
		m.reject(assessment, "risk-score", "risk score %.2f at or above %.2f", assessment.RiskScore, m.maxRiskScore)
	default:
		assessment.Approved = true
		EvaluationsTotal.WithLabelValues("approved").Inc()
	}

	m.logger.Debug("signal-evaluated",
		zap.String("symbol", signal.Symbol),
		zap.String("action", signal.Action),
		zap.Bool("approved", assessment.Approved),
		zap.Float64("notional", notional),
		zap.Float64("stop_pct", stop),
		zap.Float64("risk_score", assessment.RiskScore))

	return assessment, nil
}

// stopAndTarget derives stop-loss and take-profit percentages. Higher
// confidence tightens the stop and lifts the target; a losing day does
// the same, the inverse of revenge sizing.
func (m *Manager) stopAndTarget(confidence, dailyPnL float64) (float64, float64) {
	stop := m.baseStopPct * (2 - clamp01(confidence))
	bonus := m.rewardRiskMin + clamp01(confidence)
	if dailyPnL < 0 {
		stop *= 0.8
		bonus *= 1.2
	}

	return stop, stop * bonus
}

// sizePosition runs the fixed fractional-risk model and returns the
// approved notional plus the reduction applied by the per-trade loss cap.
func (m *Manager) sizePosition(signal *types.TradingSignal, portfolio *types.PortfolioStatus, stopPct float64, losses, leverage int) (float64, float64) {
	riskBudget := portfolio.AvailableBalance * m.riskPercent(signal.Confidence)
	notional := riskBudget / stopPct

	hardCap := m.hardCap(portfolio, leverage)
	if hardCap <= 0 {
		return 0, 0
	}

	if pos := portfolio.FindPosition(signal.Symbol); pos != nil {
		factor := 1 - pos.Notional()/hardCap
		if factor < 0 {
			factor = 0
		}
		notional *= factor
	}

	if notional > hardCap {
		notional = hardCap
	}

	notional *= math.Pow(m.lossStreakFactor, float64(losses))

	maxLoss := portfolio.TotalBalance * m.perTradeLossPct
	lossAtStop := notional * stopPct
	var reductionPct float64
	if maxLoss > 0 && lossAtStop > maxLoss {
		reduced := maxLoss / stopPct
		reductionPct = (1 - reduced/notional) * 100
		SizeReductionsTotal.Inc()
		m.logger.Info("per-trade-loss-cap-applied",
			zap.String("symbol", signal.Symbol),
			zap.Float64("notional", notional),
			zap.Float64("reduced", reduced),
			zap.Float64("reduction_pct", reductionPct))
		notional = reduced
	}

	return notional, reductionPct
}

func (m *Manager) hardCap(portfolio *types.PortfolioStatus, leverage int) float64 {
	marginCap := portfolio.AvailableBalance * m.maxMarginPct * float64(leverage)
	portfolioCap := portfolio.TotalBalance * m.maxPortfolioPct

	return math.Min(marginCap, portfolioCap)
}

// riskScore blends concentration, size and daily-loss utilization into
// [0,1]. Lower is safer.
func (m *Manager) riskScore(existingNotional, notional, hardCap, dailyPnL, dailyLimit float64) float64 {
	var concentration, sizeRisk, dailyUtil float64
	if hardCap > 0 {
		concentration = math.Min(1, existingNotional/hardCap)
		sizeRisk = math.Min(1, notional/hardCap)
	}
	if dailyLimit > 0 {
		dailyUtil = math.Min(1, math.Max(0, -dailyPnL)/dailyLimit)
	}

	return 0.4*concentration + 0.3*sizeRisk + 0.3*dailyUtil
}

func (m *Manager) riskPercent(confidence float64) float64 {
	span := 1 - m.minConfidence
	if span <= 0 {
		return m.maxRiskPct
	}
	t := (confidence - m.minConfidence) / span
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	return m.minRiskPct + t*(m.maxRiskPct-m.minRiskPct)
}

func (m *Manager) leverageFor(signal *types.TradingSignal) int {
	lev := m.defaultLeverage
	if signal.Leverage > 0 {
		lev = signal.Leverage
	}
	if lev > m.maxLeverage {
		lev = m.maxLeverage
	}

	return lev
}

func (m *Manager) dailyLossLimit(equity float64) float64 {
	limit := equity * m.maxDailyLossPct
	if m.hardDailyLossUSD > 0 && (limit <= 0 || m.hardDailyLossUSD < limit) {
		limit = m.hardDailyLossUSD
	}

	return limit
}

func (m *Manager) reject(assessment *types.RiskAssessment, code, format string, args ...any) *types.RiskAssessment {
	assessment.Approved = false
	assessment.Reasons = append(assessment.Reasons, fmt.Sprintf(format, args...))
	EvaluationsTotal.WithLabelValues("rejected").Inc()
	RejectsTotal.WithLabelValues(code).Inc()

	return assessment
}

// RecordTradeResult feeds a realized trade PnL into the daily counters.
// Breaching the daily loss limit activates the emergency stop.
func (m *Manager) RecordTradeResult(pnlUSD float64) {
	m.mu.Lock()
	m.rolloverLocked()
	m.dailyPnL += pnlUSD
	switch {
	case pnlUSD < 0:
		m.consecutiveLosses++
	case pnlUSD > 0:
		m.consecutiveLosses = 0
	}
	dailyPnL := m.dailyPnL
	losses := m.consecutiveLosses
	limit := m.dailyLossLimit(m.lastEquity)
	m.mu.Unlock()

	DailyPnL.Set(dailyPnL)

	m.logger.Info("trade-result-recorded",
		zap.Float64("pnl_usd", pnlUSD),
		zap.Float64("daily_pnl", dailyPnL),
		zap.Int("consecutive_losses", losses))

	if limit > 0 && -dailyPnL >= limit {
		m.events.Publish(ChannelLimitBreach, LimitBreachEvent{
			DailyPnL: dailyPnL,
			LimitUSD: limit,
			At:       time.Now(),
		})
		m.ActivateEmergencyStop(fmt.Sprintf("daily loss %.2f breached limit %.2f", -dailyPnL, limit))
	}
}

// ActivateEmergencyStop halts all future entries until an operator
// disables it. Repeat activations are no-ops.
func (m *Manager) ActivateEmergencyStop(reason string) {
	if !m.emergencyStop.CompareAndSwap(false, true) {
		return
	}

	EmergencyStopGauge.Set(1)

	m.mu.RLock()
	dailyPnL := m.dailyPnL
	m.mu.RUnlock()

	m.logger.Error("emergency-stop-activated",
		zap.String("reason", reason),
		zap.Float64("daily_pnl", dailyPnL))

	m.events.Publish(ChannelEmergencyStop, EmergencyStopEvent{
		Reason:   reason,
		DailyPnL: dailyPnL,
		At:       time.Now(),
	})
}

// DisableEmergencyStop is the operator override. Nothing in the system
// calls this automatically.
func (m *Manager) DisableEmergencyStop() {
	if !m.emergencyStop.CompareAndSwap(true, false) {
		return
	}

	EmergencyStopGauge.Set(0)
	m.logger.Warn("emergency-stop-disabled-by-operator")
}

// EmergencyStopActive reports whether entries are halted.
func (m *Manager) EmergencyStopActive() bool {
	return m.emergencyStop.Load()
}

// DailyStats is a snapshot of the mutable daily counters.
type DailyStats struct {
	Day               string
	PnL               float64
	ConsecutiveLosses int
	EmergencyStop     bool
}

// GetDailyStats returns the current daily counters.
func (m *Manager) GetDailyStats() DailyStats {
	m.mu.Lock()
	m.rolloverLocked()
	stats := DailyStats{
		Day:               m.day,
		PnL:               m.dailyPnL,
		ConsecutiveLosses: m.consecutiveLosses,
	}
	m.mu.Unlock()

	stats.EmergencyStop = m.emergencyStop.Load()

	return stats
}

// rolloverLocked resets the daily counters when the UTC day changes.
// Consecutive losses survive the rollover; the emergency stop does too.
func (m *Manager) rolloverLocked() {
	today := utcDay(time.Now())
	if m.day == today {
		return
	}

	m.logger.Info("daily-counters-rolled-over",
		zap.String("from", m.day),
		zap.String("to", today),
		zap.Float64("closed_day_pnl", m.dailyPnL))

	m.day = today
	m.dailyPnL = 0
	DailyPnL.Set(0)
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
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

func defaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}
