package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/recovery"
	"github.com/doctadg/perpstrader-sub009/internal/risk"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// RiskSource exposes the risk manager's daily counters. Satisfied by
// *risk.Manager.
type RiskSource interface {
	GetDailyStats() risk.DailyStats
}

// SafetySource exposes circuit-breaker state. Satisfied by
// *risk.SafetyEngine.
type SafetySource interface {
	Breakers() []risk.CircuitBreaker
}

// RecoverySource exposes recovery sweep counters. Satisfied by
// *recovery.Service.
type RecoverySource interface {
	GetStats() recovery.Stats
}

// PositionSource exposes the locally mirrored position book. Satisfied
// by *statecache.Store.
type PositionSource interface {
	AllPositions() []*types.Position
}

// PlanSource exposes the engine's managed exit plans. Satisfied by
// *engine.Engine.
type PlanSource interface {
	ExitPlans() []types.ManagedExitPlan
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Uptime   string                  `json:"uptime"`
	Risk     *risk.DailyStats        `json:"risk,omitempty"`
	Breakers []risk.CircuitBreaker   `json:"breakers,omitempty"`
	Recovery *recovery.Stats         `json:"recovery,omitempty"`
	Plans    []types.ManagedExitPlan `json:"exit_plans,omitempty"`
}

type statusHandler struct {
	startTime time.Time
	logger    *zap.Logger
	risk      RiskSource
	safety    SafetySource
	recovery  RecoverySource
	positions PositionSource
	plans     PlanSource
}

func newStatusHandler(cfg *Config) *statusHandler {
	return &statusHandler{
		startTime: time.Now(),
		logger:    cfg.Logger,
		risk:      cfg.Risk,
		safety:    cfg.Safety,
		recovery:  cfg.Recovery,
		positions: cfg.Positions,
		plans:     cfg.Plans,
	}
}

// handleStatus handles GET /api/status requests.
func (h *statusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Uptime: time.Since(h.startTime).String()}

	if h.risk != nil {
		stats := h.risk.GetDailyStats()
		resp.Risk = &stats
	}
	if h.safety != nil {
		resp.Breakers = h.safety.Breakers()
	}
	if h.recovery != nil {
		stats := h.recovery.GetStats()
		resp.Recovery = &stats
	}
	if h.plans != nil {
		resp.Plans = h.plans.ExitPlans()
	}

	h.writeJSON(w, resp)
}

// handlePositions handles GET /api/positions requests.
func (h *statusHandler) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.AllPositions()
	out := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, *p)
	}

	h.writeJSON(w, out)
}

// handleExitPlans handles GET /api/exit-plans requests.
func (h *statusHandler) handleExitPlans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.plans.ExitPlans())
}

func (h *statusHandler) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response-encode-failed", zap.Error(err))
	}
}
