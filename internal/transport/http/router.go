package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trustledger/pkg/platform/httputil"
	authmw "trustledger/pkg/platform/middleware/auth"
	"trustledger/pkg/platform/middleware/request"
	"trustledger/pkg/platform/middleware/requesttime"
)

// Module is a domain handler. Register mounts public routes,
// RegisterAuthenticated mounts routes that need a caller.
type Module interface {
	Register(r chi.Router)
	RegisterAuthenticated(r chi.Router)
}

// AdminModule mounts routes under /admin behind authentication.
type AdminModule interface {
	RegisterAdmin(r chi.Router)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig carries everything the router mounts.
type RouterConfig struct {
	Logger         *slog.Logger
	Auth           authmw.CallerValidator
	Modules        []Module
	Admin          []AdminModule
	MetricsHandler http.Handler
	HealthChecks   map[string]HealthCheck
}

// NewRouter wires the versioned API under /v1 plus the ops endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Logger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(requesttime.Middleware)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	r.Get("/healthz", healthHandler(cfg.HealthChecks))

	r.Route("/v1", func(r chi.Router) {
		for _, m := range cfg.Modules {
			m.Register(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAuth(cfg.Auth, cfg.Logger))
			for _, m := range cfg.Modules {
				m.RegisterAuthenticated(r)
			}
			for _, m := range cfg.Admin {
				m.RegisterAdmin(r)
			}
		})
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, map[string]any{
			"healthy": healthy,
			"checks":  status,
		})
	}
}
