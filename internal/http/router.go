// Package httpapi assembles the HTTP surface: middleware chain, device-facing
// visit and sync routes, and operational endpoints.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carebridge/internal/platform/middleware"
)

// Registrar mounts a handler's routes on a router.
type Registrar interface {
	Register(r chi.Router)
}

// Config carries router dependencies.
type Config struct {
	JWTSigningKey string
	Logger        *slog.Logger

	// Handlers mounted behind auth: device-facing visit and sync routes,
	// agency-facing submission routes.
	Visits      Registrar
	Mutations   Registrar
	Submissions Registrar

	// Health reports readiness of backing services; nil means always ready.
	Health func() error
}

// NewRouter wires all endpoints. Device routes sit behind bearer auth and the
// device-name middleware; /metrics and /healthz stay open for the platform.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", healthHandler(cfg.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.DeviceName)
		r.Use(middleware.Auth(cfg.JWTSigningKey, cfg.Logger))
		if cfg.Visits != nil {
			cfg.Visits.Register(r)
		}
		if cfg.Mutations != nil {
			cfg.Mutations.Register(r)
		}
		if cfg.Submissions != nil {
			cfg.Submissions.Register(r)
		}
	})
	return r
}

func healthHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
