package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_tracking"

var (
	LocationUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_upserts_total", Help: "Driver location writes by source"},
		[]string{"source"},
	)
	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "nearby_query_duration_seconds", Help: "Nearby driver search latency",
		Buckets: prometheus.DefBuckets,
	})
	NearbyResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "nearby_query_results", Help: "Drivers returned per nearby search",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers online at the last listing"})
	StaleDemotions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_demotions_total", Help: "Drivers demoted to offline by the stale sweep"})

	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open realtime connections"},
		[]string{"channel"},
	)
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_events_total", Help: "Inbound realtime events by outcome"},
		[]string{"channel", "event", "outcome"},
	)
	DroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_dropped_frames_total", Help: "Outbound frames dropped on full send buffers"},
		[]string{"channel"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_created_total", Help: "Notifications created by type"},
		[]string{"type"},
	)
	NotificationDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_dispatch_total", Help: "Notification dispatch attempts by channel and outcome"},
		[]string{"channel", "outcome"},
	)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"},
		[]string{"name"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_runs_total", Help: "Periodic sweep runs by job and outcome"},
		[]string{"job", "outcome"},
	)
	SweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_affected_total", Help: "Records affected by periodic sweeps"},
		[]string{"job"},
	)

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Location ingest messages by outcome"},
		[]string{"outcome"},
	)

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
