package overfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_overfill_fills_total",
		Help: "Fills processed by overfill protection, by outcome",
	}, []string{"action"})

	OrdersTrackedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_overfill_orders_tracked_total",
		Help: "Orders registered for fill tracking",
	})

	AdjustedQtyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_overfill_adjusted_qty_total",
		Help: "Total quantity clipped off fills by the auto-adjust policy",
	})
)
