package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/spicemill/spicemill/internal/jobs"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	movements         *prometheus.CounterVec
	batchesConfirmed  prometheus.Counter
	insufficientStock prometheus.Counter
	ledgerDrift       prometheus.Counter
	sales             *prometheus.CounterVec

	jobs *jobmetrics.Metrics
}

// NewMetrics initialises the registry with HTTP, domain and job collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spicemill_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spicemill_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spicemill_stock_movements_total",
		Help: "Stock movements appended to the ledger.",
	}, []string{"action", "reason"})
	batches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spicemill_production_batches_confirmed_total",
		Help: "Production batches confirmed.",
	})
	insufficient := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spicemill_production_insufficient_stock_total",
		Help: "Ingredient lines consumed while stock was insufficient.",
	})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spicemill_ledger_drift_detected_total",
		Help: "Ledger reads where the cached balance disagreed with the movement sum.",
	})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spicemill_sales_total",
		Help: "Sales recorded, split into paid and free.",
	}, []string{"kind"})
	registry.MustRegister(requests, duration, movements, batches, insufficient, drift, sales,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		movements:         movements,
		batchesConfirmed:  batches,
		insufficientStock: insufficient,
		ledgerDrift:       drift,
		sales:             sales,
		jobs:              jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors bound to this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// StockMoved counts one ledger append.
func (m *Metrics) StockMoved(action, reason string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(action, reason).Inc()
}

// BatchConfirmed counts a confirmed batch and its insufficient lines.
func (m *Metrics) BatchConfirmed(insufficientLines int) {
	if m == nil {
		return
	}
	m.batchesConfirmed.Inc()
	if insufficientLines > 0 {
		m.insufficientStock.Add(float64(insufficientLines))
	}
}

// LedgerDrift counts a detected drift.
func (m *Metrics) LedgerDrift() {
	if m == nil {
		return
	}
	m.ledgerDrift.Inc()
}

// SaleRecorded counts a sale; free marks a zero-price sale.
func (m *Metrics) SaleRecorded(free bool) {
	if m == nil {
		return
	}
	kind := "paid"
	if free {
		kind = "free"
	}
	m.sales.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
