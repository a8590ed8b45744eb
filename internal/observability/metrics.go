package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "help_matching"

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Requests created by type"},
		[]string{"type"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_transitions_total", Help: "Request status transitions by target status"},
		[]string{"status"},
	)
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_expired_total", Help: "Requests moved to expired by the sweeper"})

	ProximityQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proximity_queries_total", Help: "Nearby queries by read path"},
		[]string{"path"},
	)
	ProximityLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "proximity_query_seconds", Help: "Nearby query latency seconds"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location reports by grid outcome"},
		[]string{"result"},
	)

	BroadcastRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_recipients_total", Help: "Per-recipient broadcast deliveries by channel and result"},
		[]string{"channel", "result"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
