package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_recovery_sweeps_total",
		Help: "Recovery sweeps, by result",
	}, []string{"result"})

	IssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_recovery_issues_total",
		Help: "Position issues detected, by type",
	}, []string{"type"})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_recovery_actions_total",
		Help: "Corrective actions dispatched, by action and result",
	}, []string{"action", "result"})

	AttemptsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_recovery_attempts_exhausted_total",
		Help: "Corrective actions skipped because the per-position attempt cap was hit",
	})

	SweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpstrader_recovery_sweep_duration_seconds",
		Help:    "Duration of one recovery sweep",
		Buckets: prometheus.DefBuckets,
	})
)
