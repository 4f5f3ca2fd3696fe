package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobfabric_queue_waiting",
			Help: "Number of jobs waiting in a lane",
		},
		[]string{"lane"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_jobs_submitted_total",
			Help: "Total number of jobs submitted by lane",
		},
		[]string{"lane"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_jobs_completed_total",
			Help: "Total number of jobs completed by lane",
		},
		[]string{"lane"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_jobs_failed_total",
			Help: "Total number of jobs failed by lane",
		},
		[]string{"lane"},
	)

	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_jobs_requeued_total",
			Help: "Total number of jobs requeued by reason",
		},
		[]string{"reason"},
	)

	// Admission metrics
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobfabric_active_jobs",
			Help: "Number of jobs currently holding an admission ticket",
		},
	)

	MemEstimateBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobfabric_mem_estimate_bytes",
			Help: "Estimated memory in use by admitted jobs",
		},
	)

	AdmissionPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobfabric_admission_paused",
			Help: "Whether the admission gate is in backpressure (1) or not (0)",
		},
	)

	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_admission_rejected_total",
			Help: "Total number of admission rejections by reason",
		},
		[]string{"reason"},
	)

	// Worker pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobfabric_workers_total",
			Help: "Number of workers by lane and status",
		},
		[]string{"lane", "status"},
	)

	WorkersReplacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_workers_replaced_total",
			Help: "Total number of worker replacements by reason",
		},
		[]string{"reason"},
	)

	JobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfabric_job_processing_duration_seconds",
			Help:    "Time taken to process a job in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	// Autoscaler metrics
	AutoscaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_autoscale_actions_total",
			Help: "Total number of autoscaler actions by kind",
		},
		[]string{"action"},
	)

	AutoscaleCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobfabric_autoscale_cycle_duration_seconds",
			Help:    "Time taken for an autoscaler reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Health monitor / recovery metrics
	HealthCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobfabric_health_cycle_duration_seconds",
			Help:    "Time taken for a health monitor cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveredJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobfabric_recovered_jobs_total",
			Help: "Total number of jobs recovered from a dead worker",
		},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfabric_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfabric_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(QueueWaiting)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(MemEstimateBytes)
	prometheus.MustRegister(AdmissionPaused)
	prometheus.MustRegister(AdmissionRejectedTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersReplacedTotal)
	prometheus.MustRegister(JobProcessingDuration)
	prometheus.MustRegister(AutoscaleActionsTotal)
	prometheus.MustRegister(AutoscaleCycleDuration)
	prometheus.MustRegister(HealthCycleDuration)
	prometheus.MustRegister(RecoveredJobsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
