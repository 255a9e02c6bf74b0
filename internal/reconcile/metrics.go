package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_reconcile_runs_total",
		Help: "Reconciliation runs, by result",
	}, []string{"result"})

	DiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_reconcile_discrepancies_total",
		Help: "Position discrepancies detected, by type",
	}, []string{"type"})

	AdjustmentsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_reconcile_adjustments_applied_total",
		Help: "Adjustments applied to local state, by type",
	}, []string{"type"})

	MatchedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_reconcile_matched_positions",
		Help: "Positions that matched venue state in the last run",
	})
)
