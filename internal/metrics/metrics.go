// Package metrics exposes Prometheus collectors for the dispatch service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobTransitionsTotal      *prometheus.CounterVec
	jobRetriesTotal          prometheus.Counter
	noAgentAvailableTotal    *prometheus.CounterVec
	dispatchDurationSeconds  *prometheus.HistogramVec
	outboxPublishedTotal     *prometheus.CounterVec
	outboxBacklog            prometheus.Gauge
	jobsByStatus             *prometheus.GaugeVec
	agentsByStatus           *prometheus.GaugeVec
	trailingSuccessRate      prometheus.Gauge
	healthWarningsTotal      *prometheus.CounterVec
	broadcastSubscriberCount prometheus.Gauge
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_job_transitions_total",
				Help: "Total job state transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		jobRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_job_retries_total",
				Help: "Total job-level requeues after a retryable failure.",
			},
		)

		noAgentAvailableTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_no_agent_available_total",
				Help: "Scheduling passes that found no agent, labeled by crawler type.",
			},
			[]string{"crawler_type"},
		)

		dispatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_agent_call_duration_seconds",
				Help:    "Histogram of gateway call latencies, labeled by crawler type and outcome.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"crawler_type", "outcome"},
		)

		outboxPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_outbox_published_total",
				Help: "Outbox publish attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		outboxBacklog = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_outbox_backlog",
				Help: "Unprocessed outbox messages seen by the last publisher pass.",
			},
		)

		jobsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_jobs",
				Help: "Jobs by status as of the last sampler pass.",
			},
			[]string{"status"},
		)

		agentsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_agents",
				Help: "Agents by status as of the last sampler pass.",
			},
			[]string{"status"},
		)

		trailingSuccessRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_trailing_success_rate",
				Help: "Job success rate over the trailing sampler window.",
			},
		)

		healthWarningsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_health_warnings_total",
				Help: "Warnings emitted by the health sampler, labeled by kind.",
			},
			[]string{"kind"},
		)

		broadcastSubscriberCount = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_live_subscribers",
				Help: "Currently connected live event subscribers.",
			},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method, route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobTransition increments the transition counter.
func ObserveJobTransition(status string) {
	if jobTransitionsTotal != nil {
		jobTransitionsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveJobRetry counts one requeue.
func ObserveJobRetry() {
	if jobRetriesTotal != nil {
		jobRetriesTotal.Inc()
	}
}

// ObserveNoAgentAvailable counts a pass that had work but no agent.
func ObserveNoAgentAvailable(crawlerType string) {
	if noAgentAvailableTotal != nil {
		noAgentAvailableTotal.WithLabelValues(crawlerType).Inc()
	}
}

// ObserveDispatchDuration records one gateway call.
func ObserveDispatchDuration(crawlerType string, d time.Duration, success bool) {
	if dispatchDurationSeconds == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	dispatchDurationSeconds.WithLabelValues(crawlerType, outcome).Observe(d.Seconds())
}

// ObserveOutboxPublish records one publish attempt.
func ObserveOutboxPublish(success bool) {
	if outboxPublishedTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	outboxPublishedTotal.WithLabelValues(outcome).Inc()
}

// SetOutboxBacklog sets the backlog gauge.
func SetOutboxBacklog(n int) {
	if outboxBacklog != nil {
		outboxBacklog.Set(float64(n))
	}
}

// SetJobsByStatus updates the sampler gauge for one status.
func SetJobsByStatus(status string, n int) {
	if jobsByStatus != nil {
		jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetAgentsByStatus updates the sampler gauge for one status.
func SetAgentsByStatus(status string, n int) {
	if agentsByStatus != nil {
		agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetTrailingSuccessRate updates the trailing success-rate gauge.
func SetTrailingSuccessRate(rate float64) {
	if trailingSuccessRate != nil {
		trailingSuccessRate.Set(rate)
	}
}

// ObserveHealthWarning counts one sampler warning.
func ObserveHealthWarning(kind string) {
	if healthWarningsTotal != nil {
		healthWarningsTotal.WithLabelValues(kind).Inc()
	}
}

// SetLiveSubscribers updates the subscriber gauge.
func SetLiveSubscribers(n int) {
	if broadcastSubscriberCount != nil {
		broadcastSubscriberCount.Set(float64(n))
	}
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
	}
}
