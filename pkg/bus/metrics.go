package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_bus_published_total",
		Help: "Total number of messages published per channel",
	}, []string{"channel"})

	DeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_bus_delivered_total",
		Help: "Total number of messages handled by subscribers",
	}, []string{"channel"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_bus_dropped_total",
		Help: "Total number of messages dropped due to full subscriber queues",
	}, []string{"channel"})
)
