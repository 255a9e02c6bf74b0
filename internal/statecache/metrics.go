package statecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	EntriesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpstrader_statecache_entries",
		Help: "Cached entries by family",
	}, []string{"family"})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_statecache_evictions_total",
		Help: "Orders evicted from the cache, by reason",
	}, []string{"reason"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpstrader_statecache_sweep_duration_seconds",
		Help:    "Duration of cleanup sweeps",
		Buckets: prometheus.DefBuckets,
	})

	IntegrityIssues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_statecache_integrity_issues",
		Help: "Index problems found by the last integrity check",
	})
)
