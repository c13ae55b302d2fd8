package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the moderation bridge
var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_deliveries_total",
			Help: "Outbound webhook delivery attempts by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moderation_delivery_duration_seconds",
			Help:    "Duration of outbound webhook deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	InboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_inbound_total",
			Help: "Inbound moderation webhooks by outcome",
		},
		[]string{"outcome"},
	)

	LocalActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_local_actions_total",
			Help: "Locally triggered moderation actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	DetectedTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_detected_transitions_total",
			Help: "Content status transitions seen by the change detector",
		},
		[]string{"outcome"},
	)

	DispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_dispatch_dropped_total",
			Help: "Detected actions dropped because the dispatch queue was full",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

// Register registers all bridge metrics with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesTotal,
		DeliveryDuration,
		InboundTotal,
		LocalActionsTotal,
		DetectedTransitionsTotal,
		DispatchDroppedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
