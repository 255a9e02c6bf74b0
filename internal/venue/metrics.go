package venue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for venue API traffic.
//
//nolint:gochecknoglobals // Prometheus metrics
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_venue_requests_total",
		Help: "Venue HTTP requests by endpoint and status code",
	}, []string{"endpoint", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpstrader_venue_request_duration_seconds",
		Help:    "Venue HTTP request latency by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_venue_orders_placed_total",
		Help: "Order placements by tagged outcome status",
	}, []string{"status"})

	OrderRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_venue_order_retries_total",
		Help: "Order placement attempts beyond the first",
	})

	CancelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_venue_cancels_total",
		Help: "Orders canceled",
	})

	LeverageUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_venue_leverage_updates_total",
		Help: "Leverage updates applied",
	})

	StreamFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_venue_stream_fills_total",
		Help: "Fills received over the websocket stream",
	})

	StreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_venue_stream_reconnects_total",
		Help: "Websocket stream reconnect attempts",
	})

	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpstrader_venue_stream_connected",
		Help: "Whether the fill stream is currently connected (0 or 1)",
	})
)
