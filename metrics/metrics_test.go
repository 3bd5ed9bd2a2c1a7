package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bonus-ledger/ledger"
)

func TestObserver(t *testing.T) {
	m := New(nil)

	m.Accrued(45)
	m.Accrued(0)
	m.Deducted(10, 10)
	m.Deducted(80, 50)
	m.Failed("deduct")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.accruals))
	assert.Equal(t, 45.0, testutil.ToFloat64(m.pointsAccrued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deductions.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deductions.WithLabelValues("partial")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.pointsRequested))
	assert.Equal(t, 60.0, testutil.ToFloat64(m.pointsDeducted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("deduct")))
}

func TestJobFinished(t *testing.T) {
	m := New(nil)

	m.JobFinished(ledger.JobCleanupExpired, 12, time.Second, nil)
	m.JobFinished(ledger.JobCleanupExpired, 0, time.Second, errors.New("down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("cleanup_expired", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("cleanup_expired", "error")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.jobAffected.WithLabelValues("cleanup_expired")))
}

func TestHTTPMetricsAndHandler(t *testing.T) {
	m := New(nil)
	r := chi.NewRouter()
	r.Use(m.HTTPMetrics)
	r.Get("/api/customers/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/customers/42", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body,
		`http_requests_latency_seconds_count{method="GET",route="/api/customers/{id}",status="404"} 1`), body)
}
