package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// conversionsTotal counts commission-eligible order items by outcome:
// attributed, duplicate, unattributed.
var conversionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "affiliate_service",
		Name:      "conversions_total",
		Help:      "Order items processed for affiliate attribution",
	},
	[]string{"outcome"},
)

func conversionOutcome(attributed, duplicate bool) string {
	switch {
	case duplicate:
		return "duplicate"
	case attributed:
		return "attributed"
	default:
		return "unattributed"
	}
}
