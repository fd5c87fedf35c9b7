package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/chialog/internal/adapter/api/handler"
	"github.com/V4T54L/chialog/internal/adapter/api/middleware"
)

// NewAdminRouter creates the router of the admin server: Prometheus metrics,
// liveness and ingestion status.
func NewAdminRouter(status *handler.StatusHandler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(logger))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", status.HealthCheck)
	r.Get("/status", status.Status)

	return r
}
