// Package app composes the adapters into runnable units: the HTTP router and
// the periodic reaper.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/media-fetch/internal/adapter/httpserver"
	"github.com/fairyhunter13/media-fetch/internal/adapter/wsgateway"
	"github.com/fairyhunter13/media-fetch/internal/config"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// BuildRouter assembles the full HTTP surface: the versioned API, the
// WebSocket endpoint, metrics, and liveness.
func BuildRouter(cfg config.Config, srv *httpserver.Server, gateway *wsgateway.Gateway) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recover)
	r.Use(httpserver.RequestID)
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", gateway.ServeHTTP)

	r.Route("/api/v1", func(api chi.Router) {
		// File streaming runs without the short timeout; large artifacts take
		// as long as they take.
		api.Get("/downloads/file/{token}", srv.HandleGetFile)

		api.Group(func(short chi.Router) {
			short.Use(middleware.Timeout(cfg.HTTPWriteTimeout))
			short.Get("/health", srv.HandleHealth)
			short.Get("/jobs/{id}", srv.HandleGetJob)
			short.Delete("/jobs/{id}", srv.HandleDeleteJob)

			// Coarse per-IP ceiling in front of the domain rate limits; this
			// one sheds abusive bursts before they reach Redis.
			short.Group(func(mut chi.Router) {
				if cfg.HTTPRatePerMin > 0 {
					mut.Use(httprate.LimitByIP(cfg.HTTPRatePerMin, time.Minute))
				}
				mut.Post("/videos/resolutions", srv.HandleResolutions)
				mut.Post("/downloads", srv.HandleCreateDownload)
			})
		})
	})

	return r
}

func splitOrigins(s string) []string {
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
