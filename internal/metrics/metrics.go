package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsEnqueued *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	streamTokens *prometheus.CounterVec
	streamErrors *prometheus.CounterVec
	quality      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jyotish",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the broker.",
		}, []string{"queue", "type", "result"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jyotish",
			Name:      "jobs_finished_total",
			Help:      "Job attempts by outcome (completed, retried, failed, released, lost).",
		}, []string{"queue", "type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jyotish",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"queue", "type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jyotish",
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state as seen by the last maintenance tick.",
		}, []string{"queue", "state"}),
		streamTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jyotish",
			Name:      "stream_token_deltas_total",
			Help:      "Token deltas received from the LLM provider.",
		}, []string{"provider"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jyotish",
			Name:      "stream_errors_total",
			Help:      "Streams that ended without a terminal frame or with an upstream error.",
		}, []string{"provider", "kind"}),
		quality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jyotish",
			Name:      "report_quality_score",
			Help:      "Review score of completed reports, 0 to 1.",
			Buckets:   []float64{0.25, 0.5, 0.7, 0.8, 0.9, 1},
		}, []string{"report_type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsEnqueued,
		m.jobsFinished,
		m.jobDuration,
		m.queueDepth,
		m.streamTokens,
		m.streamErrors,
		m.quality,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobEnqueued(queue, jobType, result string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(queue, jobType, result).Inc()
}

func (m *Metrics) JobFinished(queue, jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(queue, jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(queue, jobType).Observe(elapsed.Seconds())
}

func (m *Metrics) QueueDepth(queue string, pending, active, delayed, dead int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, "pending").Set(float64(pending))
	m.queueDepth.WithLabelValues(queue, "active").Set(float64(active))
	m.queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues(queue, "dead").Set(float64(dead))
}

func (m *Metrics) TokenDelta(provider string) {
	if m == nil {
		return
	}
	m.streamTokens.WithLabelValues(provider).Inc()
}

func (m *Metrics) StreamFailed(provider, kind string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ReportQuality(reportType string, score float64) {
	if m == nil {
		return
	}
	m.quality.WithLabelValues(reportType).Observe(score)
}
