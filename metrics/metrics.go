package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_ingested_total",
			Help: "Total number of security events ingested",
		},
		[]string{"type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_rejected_total",
			Help: "Total number of raw events rejected before entering the pipeline",
		},
		[]string{"reason"},
	)

	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_threats_detected_total",
			Help: "Total number of threats detected",
		},
		[]string{"type", "severity"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_actions_executed_total",
			Help: "Total number of response actions executed",
		},
		[]string{"action"},
	)

	ActionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_action_failures_total",
			Help: "Total number of response actions that failed",
		},
		[]string{"action"},
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_dispatched_total",
			Help: "Total number of alerts handed to notification channels",
		},
		[]string{"severity"},
	)

	AlertsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_throttled_total",
			Help: "Total number of alerts suppressed by the throttle window",
		},
		[]string{"rule"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notifications_failed_total",
			Help: "Total number of notification deliveries that failed",
		},
		[]string{"channel", "reason"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Escalation decisions by outcome",
		},
		[]string{"outcome"},
	)

	EnrichmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_enrichment_failures_total",
			Help: "Total number of enrichment lookups that failed or timed out",
		},
		[]string{"lookup"},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_regex_timeouts_total",
			Help: "Total number of signature matches aborted by the match timeout",
		},
		[]string{"category"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_pipeline_duration_seconds",
			Help:    "Time taken to run one event through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	CorrelationKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_correlation_cache_keys",
			Help: "Number of correlation keys currently tracked",
		},
	)

	CorrelationMarkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_correlation_cache_markers",
			Help: "Number of event markers currently retained",
		},
	)

	BlockedEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_blocked_entities",
			Help: "Active entries in the in-memory block list at the last sweep",
		},
	)

	RateLimitRestrictions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_rate_limit_restrictions",
			Help: "Identities with an active rate-limit signal after the last sweep",
		},
	)

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_persistence_queue_depth",
			Help: "Records waiting in the asynchronous persistence queue",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_persistence_failures_total",
			Help: "Total number of sink writes dropped after retries or queue overflow",
		},
		[]string{"record", "reason"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_errors_total",
			Help: "Cache errors by cache name and operation",
		},
		[]string{"cache", "operation"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
