package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict engine metrics
var (
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_messages_total",
			Help: "Messages processed by the attachment filter, by resulting action",
		},
		[]string{"action"},
	)

	MessageBypass = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_bypass_total",
			Help: "Messages accepted without attachment checks, by bypass reason",
		},
		[]string{"reason"},
	)

	AttachmentVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_attachments_total",
			Help: "Attachment verdicts, by status",
		},
		[]string{"status"},
	)

	InspectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_inspector_errors_total",
			Help: "Errors raised while inspecting attachment content",
		},
		[]string{"inspector", "class"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_processing_duration_seconds",
			Help:    "Time spent evaluating one message",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"action"},
	)

	ProcessingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_processing_failures_total",
			Help: "Messages delivered unmodified because processing failed",
		},
		[]string{"kind"},
	)
)

// Policy and configuration metrics
var (
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_config_reloads_total",
			Help: "Configuration reload attempts, by result",
		},
		[]string{"result"},
	)

	PolicyGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eaf_policy_generation",
			Help: "Generation number of the active filter policy",
		},
	)
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eaf_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_commands_total",
			Help: "Protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "command"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_message_size_bytes",
			Help:    "Size of received messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"protocol"},
	)
)

// Relay and reinjection queue metrics
var (
	RelayDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_relay_delivery_total",
			Help: "Reinjection attempts to the next hop, by result",
		},
		[]string{"source", "result"},
	)

	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_relay_delivery_duration_seconds",
			Help:    "Duration of reinjection attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eaf_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	RelayQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eaf_relay_queue_depth",
			Help: "Messages in the reinjection queue, by state",
		},
		[]string{"state"},
	)

	RelayQueueAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eaf_relay_queue_age_seconds",
			Help:    "Time a message spent queued before a delivery attempt",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 21600, 86400},
		},
	)

	RelayQueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_relay_queue_operations_total",
			Help: "Reinjection queue operations, by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Quarantine storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_s3_operations_total",
			Help: "S3 operations, by operation and status",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eaf_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	QuarantinedObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_quarantined_objects_total",
			Help: "Objects handed to quarantine storage, by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// HTTP API metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eaf_http_requests_total",
			Help: "HTTP API requests, by route and status code",
		},
		[]string{"route", "code"},
	)
)
