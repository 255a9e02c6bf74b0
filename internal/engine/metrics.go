package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_engine_signals_total",
		Help: "Signals handled by the execution engine, by outcome",
	}, []string{"outcome"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_engine_rejections_total",
		Help: "Gate rejections, by code",
	}, []string{"code"})

	OrdersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_engine_orders_submitted_total",
		Help: "Orders submitted to the venue, by intent",
	}, []string{"intent"})

	ExitTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_engine_exit_triggers_total",
		Help: "Managed exit plan triggers, by kind",
	}, []string{"kind"})

	ActivePlansGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_engine_active_exit_plans",
		Help: "Managed exit plans currently registered",
	})

	ExecutionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpstrader_engine_execution_duration_seconds",
		Help:    "End to end signal execution latency",
		Buckets: prometheus.DefBuckets,
	})

	BatchFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_engine_batch_flushes_total",
		Help: "Batch processor flushes, by trigger",
	}, []string{"trigger"})
)
