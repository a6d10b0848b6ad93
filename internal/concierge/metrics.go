package concierge

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded on concierge_inbound_messages_total.
const (
	OutcomeReplied   = "replied"
	OutcomeDegraded  = "degraded"
	OutcomeNotFound  = "not_found"
	OutcomeDropped   = "dropped"
	OutcomeDuplicate = "duplicate"
	OutcomeBusy      = "busy"
	OutcomeFailed    = "failed"
)

var inboundMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "concierge",
		Name:      "inbound_messages_total",
		Help:      "Inbound guest and owner messages by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

var modelRepliesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "concierge",
		Name:      "model_replies_total",
		Help:      "Model gateway replies by response shape",
	},
	[]string{"shape"},
)

var reconciliationGapsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "concierge",
		Name:      "reconciliation_gaps_total",
		Help:      "Best-effort steps that failed after the inbound message was stored",
	},
	[]string{"gap"},
)

var modelLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "concierge",
		Name:      "model_latency_seconds",
		Help:      "Latency of model gateway calls",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30, 45},
	},
)

func init() {
	prometheus.MustRegister(inboundMessagesTotal, modelRepliesTotal, reconciliationGapsTotal, modelLatency)
}

// RegisterMetrics registers pipeline metrics with a custom registry.
// The default registry is populated at init.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return
	}
	reg.MustRegister(inboundMessagesTotal, modelRepliesTotal, reconciliationGapsTotal, modelLatency)
}
