// Package metrics exposes Prometheus collectors for the news pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	recordsFetchedTotal        prometheus.Counter
	rowsRemovedTotal           *prometheus.CounterVec
	validationsTotal           *prometheus.CounterVec
	artifactsWrittenTotal      *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newspipe_fetch_attempts_total",
				Help: "Article search requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsFetchedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newspipe_records_fetched_total",
				Help: "Article records returned by successful searches.",
			},
		)

		rowsRemovedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newspipe_rows_removed_total",
				Help: "Rows removed while cleaning, labeled by reason.",
			},
			[]string{"reason"},
		)

		validationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newspipe_validations_total",
				Help: "Schema gate outcomes, labeled by result.",
			},
			[]string{"result"},
		)

		artifactsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newspipe_artifacts_written_total",
				Help: "Artifacts committed to local storage, labeled by kind.",
			},
			[]string{"kind"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newspipe_runs_total",
				Help: "Pipeline runs, labeled by stage, status and halt kind.",
			},
			[]string{"stage", "status", "kind"},
		)

		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newspipe_run_duration_seconds",
				Help:    "Histogram of pipeline run durations, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one search request with its outcome
// ("success", "transport_error", "http_error", "decode_error").
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecordsFetched adds n fetched records.
func ObserveRecordsFetched(n int) {
	Init()
	if n > 0 {
		recordsFetchedTotal.Add(float64(n))
	}
}

// ObserveRowsRemoved adds n rows removed for reason ("duplicate", "incomplete").
func ObserveRowsRemoved(reason string, n int) {
	Init()
	if n > 0 {
		rowsRemovedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveValidation counts a schema gate outcome.
func ObserveValidation(passed bool) {
	Init()
	validationsTotal.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

// ObserveArtifact counts a committed artifact of the given kind ("raw", "csv", "xlsx").
func ObserveArtifact(kind string) {
	Init()
	artifactsWrittenTotal.WithLabelValues(kind).Inc()
}

// ObserveRun records the outcome and duration of a pipeline run.
func ObserveRun(stage, status, kind string, duration time.Duration) {
	Init()
	if kind == "" {
		kind = "none"
	}
	runsTotal.WithLabelValues(stage, status, kind).Inc()
	runDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Pusher ships the default registry to a Prometheus Pushgateway. Batch
// commands exit before a scrape could happen, so they push instead.
type Pusher struct {
	pusher *push.Pusher
}

// NewPusher returns a Pusher, or nil when url is empty.
func NewPusher(url, job string) *Pusher {
	if url == "" {
		return nil
	}
	if job == "" {
		job = "newspipe"
	}
	return &Pusher{pusher: push.New(url, job).Gatherer(prometheus.DefaultGatherer)}
}

// Push replaces the job's metric group on the gateway. A nil Pusher is a no-op.
func (p *Pusher) Push() error {
	if p == nil {
		return nil
	}
	if err := p.pusher.Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
