// Package app wires the server process together: router, middleware
// stack, and routes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sellsight/sellsight/internal/adapter/httpserver"
	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter assembles the HTTP surface of the server process.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// User-facing API. The chat and event-stream routes run longer than
	// the standard timeout, so they mount in their own group.
	r.Group(func(ur chi.Router) {
		ur.Use(httpserver.RequireUser())
		ur.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		ur.Group(func(tr chi.Router) {
			tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))

			tr.Route("/v1/connections/{id}", func(cr chi.Router) {
				cr.Get("/analytics/summary", srv.AnalyticsSummaryHandler())
				cr.Get("/analytics/time-series", srv.AnalyticsTimeSeriesHandler())
				cr.Get("/analytics/distribution", srv.AnalyticsDistributionHandler())
				cr.Get("/analytics/top", srv.AnalyticsTopHandler())
				cr.Get("/analytics/data", srv.AnalyticsDataHandler())
				cr.Get("/preview", srv.PreviewHandler())
				cr.Get("/sync-state", srv.SyncStateHandler())
				cr.Post("/sync", srv.TriggerSyncHandler())
			})

			tr.Route("/v1/conversations", func(cr chi.Router) {
				cr.Post("/", srv.CreateConversationHandler())
				cr.Get("/", srv.ListConversationsHandler())
				cr.Get("/{id}", srv.GetConversationHandler())
				cr.Get("/{id}/messages", srv.ListMessagesHandler())
				cr.Delete("/{id}", srv.DeleteConversationHandler())
			})
		})

		ur.Post("/v1/conversations/{id}/messages", srv.SendMessageHandler())
		ur.Get("/v1/events", srv.EventsHandler())
	})

	// Internal API for the scheduler.
	r.Group(func(ir chi.Router) {
		ir.Use(srv.InternalAuth())
		ir.Post("/internal/trigger-sync", srv.TriggerAllSyncsHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
