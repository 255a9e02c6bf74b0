package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	AllowedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_ratelimit_allowed_total",
		Help: "Total number of allowed token consumptions",
	}, []string{"bucket"})

	DeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_ratelimit_denied_total",
		Help: "Total number of denied token consumptions",
	}, []string{"bucket"})

	WaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpstrader_ratelimit_wait_seconds",
		Help:    "Time spent waiting for tokens",
		Buckets: prometheus.DefBuckets,
	}, []string{"bucket"})

	TokensRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpstrader_ratelimit_tokens_remaining",
		Help: "Tokens currently available in the bucket",
	}, []string{"bucket"})
)
