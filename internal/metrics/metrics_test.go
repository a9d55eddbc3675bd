package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LedgerWrite(LedgerOutcomeInserted)
	m.RollupRun("cron", JobResultSuccess, 3)
	m.ImportRows(2, 1)
	m.ObserveHTTP(http.MethodGet, "/healthz", 200, time.Millisecond)
	m.ReportGenerated(JobResultError)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.LedgerWrite(LedgerOutcomeInserted)
	m.LedgerWrite(LedgerOutcomeInserted)
	m.LedgerWrite(LedgerOutcomeUpdated)
	m.RollupRun("manual", JobResultSuccess, 4)
	m.ImportRows(5, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerWrites.WithLabelValues(LedgerOutcomeInserted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerWrites.WithLabelValues(LedgerOutcomeUpdated)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rollupRows))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.importRows.WithLabelValues("loaded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.importRows.WithLabelValues("failed")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/v1/orgs/{org}/sales/mtd", 200, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kpiboard_http_requests_total"))
}
