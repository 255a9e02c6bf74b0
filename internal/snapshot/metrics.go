package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_snapshot_captures_total",
		Help: "Snapshot capture attempts, by result",
	}, []string{"result"})

	RetainedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_snapshot_retained",
		Help: "Snapshots currently held in the retention ring",
	})

	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpstrader_snapshot_capture_duration_seconds",
		Help:    "Time to collect and encode one snapshot",
		Buckets: prometheus.DefBuckets,
	})

	ExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_snapshot_exported_total",
		Help: "Snapshot files written to disk",
	})
)
