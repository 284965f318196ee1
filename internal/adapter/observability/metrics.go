package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SyncTasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_tasks_enqueued_total",
			Help: "Total number of sheet sync tasks enqueued",
		},
	)
	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheet_syncs_total",
			Help: "Total number of sheet syncs by outcome",
		},
		[]string{"outcome"}, // completed, retried, failed, skipped
	)
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheet_sync_duration_seconds",
			Help:    "Sheet sync duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	SyncRowsSynced = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheet_sync_rows_synced",
			Help:    "Rows synced per sync pass",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total number of chat model requests by operation and status",
		},
		[]string{"operation", "status"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Chat model request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_cache_total",
			Help: "Analytics cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	AgentIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_iterations",
			Help:    "ReAct loop iterations per agent run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
	AgentToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Agent tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SyncTasksEnqueuedTotal)
	prometheus.MustRegister(SyncsTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncRowsSynced)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(AgentIterations)
	prometheus.MustRegister(AgentToolCallsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func ObserveSync(outcome string, dur time.Duration, rows int) {
	SyncsTotal.WithLabelValues(outcome).Inc()
	SyncDuration.Observe(dur.Seconds())
	if rows >= 0 {
		SyncRowsSynced.Observe(float64(rows))
	}
}

func ObserveModelRequest(operation, status string, dur time.Duration) {
	ModelRequestsTotal.WithLabelValues(operation, status).Inc()
	ModelRequestDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

func CacheLookup(result string) {
	CacheHitsTotal.WithLabelValues(result).Inc()
}
