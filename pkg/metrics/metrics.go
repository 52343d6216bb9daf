package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	ModelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bazaar_models_total",
			Help: "Total number of models by type and train status",
		},
		[]string{"type", "status"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bazaar_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	ReportsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bazaar_reports_total",
			Help: "Total number of knowledge-extraction reports by status",
		},
		[]string{"status"},
	)

	// Cluster driver metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_jobs_submitted_total",
			Help: "Total number of jobs submitted to the cluster scheduler by kind",
		},
		[]string{"kind"},
	)

	JobSubmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_job_submit_failures_total",
			Help: "Total number of failed job submissions by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_api_requests_total",
			Help: "Total number of API requests by route and status class",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bazaar_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_reconcile_cycles_total",
			Help: "Total number of stale-job sweep cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bazaar_reconcile_duration_seconds",
			Help:    "Duration of one stale-job sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsVanished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_jobs_vanished_total",
			Help: "Total number of in-progress entities failed because their scheduler job disappeared",
		},
	)

	// Report queue metrics
	ReportsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_reports_claimed_total",
			Help: "Total number of report leases granted",
		},
	)

	ReportLeaseRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_report_lease_rejections_total",
			Help: "Total number of report completions rejected because the lease was stale",
		},
	)

	// Inference runtime metrics
	InferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_inference_requests_total",
			Help: "Total number of inference requests by route and status class",
		},
		[]string{"route", "status"},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bazaar_inference_duration_seconds",
			Help:    "Inference request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	UpdateLogWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_update_log_writes_total",
			Help: "Total number of durable update-log events written by kind",
		},
		[]string{"kind"},
	)

	PermissionCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_permission_cache_hits_total",
			Help: "Total number of permission lookups served from cache",
		},
	)

	PermissionCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bazaar_permission_cache_misses_total",
			Help: "Total number of permission lookups that required a fetch",
		},
	)

	// Synthetic-data metrics
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_llm_calls_total",
			Help: "Total number of LLM completion calls by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ModelsTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobSubmitFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(JobsVanished)
	prometheus.MustRegister(ReportsClaimed)
	prometheus.MustRegister(ReportLeaseRejections)
	prometheus.MustRegister(InferenceRequests)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(UpdateLogWrites)
	prometheus.MustRegister(PermissionCacheHits)
	prometheus.MustRegister(PermissionCacheMisses)
	prometheus.MustRegister(LLMCallsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
