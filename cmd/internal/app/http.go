package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatter/cmd/internal/api"
)

const wsPath = "/ws"

// routes holds everything newRouter mounts.
type routes struct {
	log     *slog.Logger
	cfg     Config
	api     *api.Handler
	ws      http.Handler
	metrics http.Handler
	obs     HTTPObserver
	ready   func(ctx context.Context) error
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Use(
		WithRequestID,
		WithRequestLogging(rt.log, rt.obs),
		middleware.Recoverer,
		WithSecurityHeaders,
	)
	if len(rt.cfg.CORSAllowedOrigins) > 0 {
		// Preflights never reach a route, so CORS runs before routing.
		// The gateway enforces its own origin policy.
		r.Use(func(next http.Handler) http.Handler {
			cors := WithCORS(next, rt.cfg, rt.log)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == wsPath {
					next.ServeHTTP(w, r)
					return
				}
				cors.ServeHTTP(w, r)
			})
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.ready != nil {
			if err := rt.ready(r.Context()); err != nil {
				rt.log.Info("readyz.not_ready", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	r.Method(http.MethodGet, wsPath, rt.ws)
	rt.api.Register(r)

	return r
}
