package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LedgerOutcomeInserted = "inserted"
	LedgerOutcomeUpdated  = "updated"
	LedgerOutcomeError    = "error"

	JobResultSuccess = "success"
	JobResultError   = "error"
)

// Metrics holds the process collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	ledgerWrites *prometheus.CounterVec
	rollupRuns   *prometheus.CounterVec
	rollupRows   prometheus.Counter
	importRows   *prometheus.CounterVec
	reports      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiboard_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kpiboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiboard_ledger_writes_total",
			Help: "Month-to-date reconciliations by outcome.",
		}, []string{"outcome"}),
		rollupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiboard_rollup_runs_total",
			Help: "Monthly rollup runs by trigger and result.",
		}, []string{"trigger", "result"}),
		rollupRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kpiboard_rollup_rows_total",
			Help: "Monthly rollup rows written.",
		}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiboard_import_rows_total",
			Help: "CSV import rows by result.",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiboard_reports_generated_total",
			Help: "PDF reports by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(m.httpRequests, m.httpDuration, m.ledgerWrites, m.rollupRuns, m.rollupRows, m.importRows, m.reports)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) LedgerWrite(outcome string) {
	if m == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RollupRun(trigger, result string, rows int) {
	if m == nil {
		return
	}
	m.rollupRuns.WithLabelValues(trigger, result).Inc()
	if rows > 0 {
		m.rollupRows.Add(float64(rows))
	}
}

func (m *Metrics) ImportRows(loaded, failed int) {
	if m == nil {
		return
	}
	if loaded > 0 {
		m.importRows.WithLabelValues("loaded").Add(float64(loaded))
	}
	if failed > 0 {
		m.importRows.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) ReportGenerated(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result).Inc()
}
