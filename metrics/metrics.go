// Package metrics exposes ledger and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/bonus-ledger/ledger"
)

// Metrics implements ledger.Observer. Create one per registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	accruals        prometheus.Counter
	pointsAccrued   prometheus.Counter
	deductions      *prometheus.CounterVec
	pointsRequested prometheus.Counter
	pointsDeducted  prometheus.Counter
	failures        *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobAffected     *prometheus.GaugeVec
	httpLatency     *prometheus.HistogramVec
}

var _ ledger.Observer = (*Metrics)(nil)

// New registers the collectors on reg. A nil reg uses a fresh registry,
// which keeps tests independent of the global default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		accruals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_accruals_total",
			Help: "Accrual operations committed.",
		}),
		pointsAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_points_accrued_total",
			Help: "Cashback points credited.",
		}),
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_deductions_total",
			Help: "Deduction operations committed, by outcome.",
		}, []string{"outcome"}),
		pointsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_points_requested_total",
			Help: "Points requested by deductions.",
		}),
		pointsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_points_deducted_total",
			Help: "Points actually deducted.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operation_failures_total",
			Help: "Operations that returned an error, by operation.",
		}, []string{"op"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_job_runs_total",
			Help: "Maintenance job runs, by job and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_job_duration_seconds",
			Help:    "Maintenance job run time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobAffected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_job_rows_affected",
			Help: "Rows touched by the last run of each job.",
		}, []string{"job"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.accruals, m.pointsAccrued, m.deductions, m.pointsRequested, m.pointsDeducted,
		m.failures, m.jobRuns, m.jobDuration, m.jobAffected, m.httpLatency,
	)
	return m
}

func (m *Metrics) Accrued(credit int64) {
	m.accruals.Inc()
	m.pointsAccrued.Add(float64(credit))
}

func (m *Metrics) Deducted(requested, deducted int64) {
	outcome := "full"
	if deducted < requested {
		outcome = "partial"
	}
	m.deductions.WithLabelValues(outcome).Inc()
	m.pointsRequested.Add(float64(requested))
	m.pointsDeducted.Add(float64(deducted))
}

func (m *Metrics) Failed(op string) {
	m.failures.WithLabelValues(op).Inc()
}

func (m *Metrics) JobFinished(job ledger.Job, affected int64, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobRuns.WithLabelValues(string(job), status).Inc()
	m.jobDuration.WithLabelValues(string(job)).Observe(took.Seconds())
	if err == nil {
		m.jobAffected.WithLabelValues(string(job)).Set(float64(affected))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMetrics observes request latency labelled by chi route pattern.
func (m *Metrics) HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.httpLatency.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if patt := rc.RoutePattern(); patt != "" {
			return patt
		}
	}
	return r.URL.Path
}
