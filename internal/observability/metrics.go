package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "technician_dispatch"

var (
	MatchingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matchings_created_total", Help: "Total number of matchings created"})

	MatchingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matching_transitions_total", Help: "Matching status transitions by target status"},
		[]string{"status"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from matching creation to a committed match",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	RequestsSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_requests_sent_total", Help: "Match requests created for technicians"})
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_requests_expired_total", Help: "Match requests that timed out"})
	Responses       = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_responses_total", Help: "Technician responses by outcome"},
		[]string{"outcome"},
	)

	Escalations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "search_escalations_total", Help: "Search radius escalations and exhausted-round retries"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Expiry sweep duration", Buckets: prometheus.DefBuckets})
	SweepErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_errors_total", Help: "Matchings the sweeper failed to advance"})

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open realtime connections"})
	RealtimeDelivered   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_events_delivered_total", Help: "Events written to a live connection"},
		[]string{"event"},
	)
	RealtimeDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "realtime_events_dropped_total", Help: "Events dropped because a connection was too slow"})
	PushFallbacks   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_fallbacks_total", Help: "Push notifications sent for technicians without a live connection"},
		[]string{"result"},
	)

	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "technician_location_updates_total", Help: "Technician location updates accepted"})

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
