package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/baremetal-lab/inspector/internal/logger"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe
//   - POST /v1/continue - Ramdisk introspection data callback
//   - /v1/introspection/{uuid} - Introspection control and status
//   - /v1/rules - Introspection rule management
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", handler.Liveness)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/continue", handler.Continue)

		r.Route("/introspection/{uuid}", func(r chi.Router) {
			r.Post("/", handler.Start)
			r.Get("/", handler.Status)
			r.Post("/abort", handler.Abort)
			r.Get("/data", handler.Data)
			r.Get("/data/unprocessed", handler.DataUnprocessed)
			r.Post("/data/unprocessed", handler.Reapply)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", handler.CreateRule)
			r.Get("/", handler.ListRules)
			r.Delete("/", handler.DeleteAllRules)
			r.Get("/{uuid}", handler.GetRule)
			r.Delete("/{uuid}", handler.DeleteRule)
		})
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
