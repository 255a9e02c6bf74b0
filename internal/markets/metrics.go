package markets

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	ConditionsFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_markets_conditions_fetches_total",
		Help: "Condition lookups by outcome",
	}, []string{"result"})

	ValidationRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpstrader_markets_validation_rejects_total",
		Help: "Signals rejected on market conditions, by dimension",
	}, []string{"reason"})

	ConfidenceDecayTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpstrader_markets_confidence_decay_total",
		Help: "Cumulative confidence removed from signals by soft validation",
	})
)
