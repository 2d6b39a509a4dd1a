package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/temcen/workalloc/internal/features"
)

// Metrics holds the Prometheus collectors of the allocation service.
type Metrics struct {
	recommendationRequests *prometheus.CounterVec
	recommendationLatency  prometheus.Histogram
	candidatesScored       prometheus.Histogram
	excludedWorkers        prometheus.Counter
	allocationsRecorded    prometheus.Counter
	feedbackCompleted      *prometheus.CounterVec
	rewards                prometheus.Histogram
	modelUpdates           *prometheus.CounterVec
	modelResets            prometheus.Counter
	batchRuns              *prometheus.CounterVec
	batchProcessed         prometheus.Counter
	featureDefaults        *prometheus.CounterVec
	eventPublishFailures   prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recommendationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workalloc_recommendation_requests_total",
			Help: "Recommendation requests by diversity mode",
		}, []string{"mode"}),
		recommendationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workalloc_recommendation_duration_seconds",
			Help:    "Latency of recommendation requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		candidatesScored: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workalloc_recommendation_candidates",
			Help:    "Number of candidate workers per recommendation request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		}),
		excludedWorkers: factory.NewCounter(prometheus.CounterOpts{
			Name: "workalloc_rotation_excluded_total",
			Help: "Workers excluded from a ranking by forced rotation",
		}),
		allocationsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "workalloc_allocations_recorded_total",
			Help: "Allocations recorded as pending feedback",
		}),
		feedbackCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workalloc_feedback_completed_total",
			Help: "Completed feedback records by whether the model was updated immediately",
		}, []string{"applied"}),
		rewards: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workalloc_reward",
			Help:    "Distribution of computed rewards",
			Buckets: prometheus.LinearBuckets(0, 0.1, 13),
		}),
		modelUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workalloc_model_updates_total",
			Help: "Bandit model updates by path",
		}, []string{"path"}),
		modelResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "workalloc_model_resets_total",
			Help: "Bandit models reset",
		}),
		batchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workalloc_batch_runs_total",
			Help: "Batch feedback runs by result",
		}, []string{"result"}),
		batchProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "workalloc_batch_processed_total",
			Help: "Feedback records applied by batch runs",
		}),
		featureDefaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workalloc_feature_defaults_total",
			Help: "Features filled from defaults instead of real data",
		}, []string{"feature"}),
		eventPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "workalloc_event_publish_failures_total",
			Help: "Allocation events that could not be published",
		}),
	}
}

func (m *Metrics) observeRecommendation(mode string, candidates, excluded int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.recommendationRequests.WithLabelValues(mode).Inc()
	m.recommendationLatency.Observe(elapsed.Seconds())
	m.candidatesScored.Observe(float64(candidates))
	m.excludedWorkers.Add(float64(excluded))
}

func (m *Metrics) observeDefaults(d features.Defaults) {
	if m == nil {
		return
	}
	for _, name := range d {
		m.featureDefaults.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) observeAllocation() {
	if m == nil {
		return
	}
	m.allocationsRecorded.Inc()
}

func (m *Metrics) observeCompletion(reward float64, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
		m.modelUpdates.WithLabelValues("immediate").Inc()
	}
	m.feedbackCompleted.WithLabelValues(label).Inc()
	m.rewards.Observe(reward)
}

func (m *Metrics) observeBatch(processed int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batchRuns.WithLabelValues(result).Inc()
	m.batchProcessed.Add(float64(processed))
	m.modelUpdates.WithLabelValues("batch").Add(float64(processed))
}

func (m *Metrics) observeReset(n int64) {
	if m == nil {
		return
	}
	m.modelResets.Add(float64(n))
}

func (m *Metrics) observePublishFailure() {
	if m == nil {
		return
	}
	m.eventPublishFailures.Inc()
}
