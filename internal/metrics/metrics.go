package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// HTTP endpoints
	EndpointWebhook    = "webhook"
	EndpointSync       = "sync"
	EndpointBackfill   = "backfill"
	EndpointDuplicates = "duplicates"
	EndpointMerge      = "merge"
	EndpointHealth     = "health"

	// Error kinds recorded on webhook events
	ErrorKindTransient = "transient"
	ErrorKindAuth      = "auth"
	ErrorKindPermanent = "permanent"

	// Token refresh results
	RefreshResultSuccess     = "success"
	RefreshResultFailed      = "failed"
	RefreshResultPersistFail = "persist_failed"

	// Provider API operations
	OpRefreshToken      = "refresh_token"
	OpGetActivityDetail = "get_activity_detail"
	OpDownloadFile      = "download_file"
	OpRequestBackfill   = "request_backfill"

	// Database operations
	DBOpCreateWebhookEvent = "create_webhook_event"
	DBOpLookupWebhookEvent = "lookup_webhook_event"
	DBOpUpdateWebhookEvent = "update_webhook_event"
	DBOpCreateActivity     = "create_activity"
	DBOpUpdateActivity     = "update_activity"
	DBOpGetActivity        = "get_activity"
	DBOpListActivities     = "list_activities"
	DBOpDeleteActivity     = "delete_activity"
	DBOpGetIntegration     = "get_integration"
	DBOpUpsertIntegration  = "upsert_integration"
	DBOpUpdateTokens       = "update_tokens"
	DBOpRateLimitIncrement = "rate_limit_increment"
	DBOpListReprocessable  = "list_reprocessable"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)
)

// Webhook pipeline metrics
var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook notifications by provider, kind and outcome",
		},
		[]string{"provider", "kind", "outcome"},
	)

	WebhookProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Time spent processing a webhook notification",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	FileEnrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_enrichments_total",
			Help: "Successful binary file enrichments by provider",
		},
		[]string{"provider"},
	)

	ReprocessedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprocessed_events_total",
			Help: "Webhook events retried by the reprocessing pass",
		},
		[]string{"provider", "result"},
	)
)

// Token lifecycle metrics
var (
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "OAuth token refresh attempts by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Provider API metrics
var (
	ProviderAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_call_duration_seconds",
			Help:    "Outbound provider API call duration by operation and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "status"},
	)
)

// Backfill metrics
var (
	BackfillRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_requests_total",
			Help: "Backfill requests by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Deduplication metrics
var (
	DuplicateGroupsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplicate_groups_found_total",
			Help: "Duplicate activity groups detected",
		},
	)

	ActivitiesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activities_merged_total",
			Help: "Activities deleted by deduplication merges",
		},
	)
)

// Rate limiting metrics
var (
	RateLimitedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Inbound requests rejected by the per-IP rate limit",
		},
	)
)

// Database metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Database operation errors",
		},
		[]string{"operation"},
	)
)

// Worker metrics
var (
	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reprocessor_active",
			Help: "Whether the reprocessing worker is running (1) or not (0)",
		},
	)

	UnprocessedEventsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unprocessed_webhook_events",
			Help: "Webhook events awaiting processing or retry",
		},
	)
)
