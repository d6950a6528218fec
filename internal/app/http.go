package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"brain2-datacore/internal/infrastructure/observability"
	"brain2-datacore/internal/middleware"
)

// Router serves the diagnostics endpoints.
func (a *App) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.Logging(a.logger))
	router.Use(observability.MetricsMiddleware(a.metrics))
	router.Use(observability.TracingMiddleware("brain2-datacore/http"))

	router.Get("/health", a.handleHealth)
	router.Get("/ready", a.handleReady)
	router.Get("/startup", a.handleStartup)
	router.Get("/dependencies", a.handleDependencies)
	router.Handle("/metrics", promhttp.HandlerFor(a.metrics.GetRegistry(), promhttp.HandlerOpts{}))
	return router
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, h)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.Ready() {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (a *App) handleStartup(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Progress())
}

func (a *App) handleDependencies(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.container.Snapshot())
}

func (a *App) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
