package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aircast-bridge/aircast/internal/auth"
	"github.com/aircast-bridge/aircast/internal/models"
)

// NewRouter creates the status API router. authSvc and metrics may be nil;
// /healthz is never authenticated.
func NewRouter(status Status, authSvc *auth.Service, bus EventBus, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{status: status, events: bus}

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		if authSvc != nil {
			r.Use(authSvc.Middleware)
		}

		if metrics != nil {
			r.Method(http.MethodGet, "/metrics", metrics)
		}

		r.Get("/api/info", h.getInfo)
		r.Get("/api/devices", h.getDevices)
		r.Get("/api/devices/{id}", h.getDevice)
		r.Get("/api/sessions", h.getSessions)
		r.Get("/api/receivers", h.getReceivers)
		r.Get("/api/subscribe", h.sseEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, models.ErrNotFound("no route for "+r.URL.Path))
	})

	return r
}

// requestLogger logs each request at debug level once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
