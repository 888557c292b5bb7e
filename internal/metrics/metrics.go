// Package metrics exposes Prometheus collectors for the coordinators and
// the HTTP API, registered on a dedicated registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"analysisd/internal/migration"
	"analysisd/internal/task/scheduler"
)

const namespace = "analysisd"

type Metrics struct {
	reg *prometheus.Registry

	TaskRuns       *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TaskQueueDelay *prometheus.HistogramVec

	MigrationRuns     *prometheus.CounterVec
	MigrationDuration prometheus.Histogram
	MigrationState    prometheus.Gauge

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		TaskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Scheduled task runs by trigger and outcome",
			},
			[]string{"task", "trigger", "outcome"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_run_duration_seconds",
				Help:      "Scheduled task run duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"task", "trigger"},
		),
		TaskQueueDelay: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_start_delay_seconds",
				Help:      "Delay between a run's target time and its start",
				Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 10, 30, 60},
			},
			[]string{"task", "trigger"},
		),
		MigrationRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_runs_total",
				Help:      "Migration runs by outcome",
			},
			[]string{"outcome"},
		),
		MigrationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_seconds",
				Help:      "Migration run duration in seconds",
				Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 900, 1800},
			},
		),
		MigrationState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migration_state",
				Help:      "Last known migration state (0 none, 1 running, 2 failed, 3 succeeded)",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being served",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveTask implements scheduler.Observer.
func (m *Metrics) ObserveTask(name string, item scheduler.HistoryItem) {
	outcome := "ok"
	if item.Error != "" {
		outcome = "error"
	}
	trig := string(item.Trigger)
	m.TaskRuns.WithLabelValues(name, trig, outcome).Inc()
	m.TaskDuration.WithLabelValues(name, trig).Observe(item.Duration.Seconds())
	m.TaskQueueDelay.WithLabelValues(name, trig).Observe(item.QueueDelay.Seconds())
}

// ObserveMigration implements migration.Observer. A RUNNING observation
// only moves the state gauge; runs are counted when they finish.
func (m *Metrics) ObserveMigration(st migration.Status, dur time.Duration) {
	m.MigrationState.Set(float64(st))
	if !st.Terminal() {
		return
	}
	m.MigrationRuns.WithLabelValues(st.String()).Inc()
	m.MigrationDuration.Observe(dur.Seconds())
}

// Middleware records request counts and latency keyed by the chi route
// pattern, which keeps label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
