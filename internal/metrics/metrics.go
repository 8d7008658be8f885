package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Queue metrics
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_queue_enqueued_total",
			Help: "Total messages enqueued",
		},
		[]string{"queue", "priority"},
	)

	QueueDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_queue_dequeued_total",
			Help: "Total messages dequeued",
		},
		[]string{"queue"},
	)

	QueueDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_queue_dead_lettered_total",
			Help: "Total messages moved to a dead-letter queue",
		},
		[]string{"queue"},
	)

	QueueCorrupt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_queue_corrupt_total",
			Help: "Queue members that failed to decode and were quarantined",
		},
		[]string{"queue"},
	)

	// Stream metrics
	StreamPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_stream_events_published_total",
			Help: "Total events appended to channel streams",
		},
	)

	StreamDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_stream_events_delivered_total",
			Help: "Total events forwarded to live connections",
		},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_active_connections",
			Help: "Live connections registered on this instance",
		},
	)

	ProtocolMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_protocol_messages_total",
			Help: "Inbound protocol messages by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Observability recorders
	RecordedMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbus_recorded_metric",
			Help: "Last value recorded for an application metric",
		},
		[]string{"name"},
	)

	FlushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_flush_failures_total",
			Help: "Buffered log/metric flushes that failed and were retained",
		},
		[]string{"buffer"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_store_latency_seconds",
			Help:    "Key-value store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
		[]string{"op"},
	)

	DirectoryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbus_directory_latency_seconds",
			Help:    "Principal directory query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
