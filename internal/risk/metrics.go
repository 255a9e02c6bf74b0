package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_risk_evaluations_total",
		Help: "Signal risk evaluations by result",
	}, []string{"result"})

	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_risk_rejects_total",
		Help: "Risk rejections by reason",
	}, []string{"reason"})

	SizeReductionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_risk_size_reductions_total",
		Help: "Times the per-trade loss cap shrank a position",
	})

	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_risk_daily_pnl_usd",
		Help: "Realized PnL recorded today",
	})

	EmergencyStopGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_risk_emergency_stop",
		Help: "1 while the emergency stop is active",
	})

	PositionStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_risk_position_stops_total",
		Help: "Position close triggers by reason",
	}, []string{"reason"})

	BreakersTriggered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpstrader_risk_breaker_triggered",
		Help: "1 while a circuit breaker is tripped",
	}, []string{"type"})

	BreakerChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_risk_breaker_checks_total",
		Help: "Safety engine evaluation sweeps",
	})
)
