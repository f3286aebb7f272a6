package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// quietPaths are polled by health checks and scrapers; they are logged at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware logs every request on completion and attaches a request-scoped
// logger to the context. Requests addressing a sweep carry its sweep_id.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			requestLogger := logger.WithFields(Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     r.RemoteAddr,
			})
			ctx := context.WithValue(r.Context(), ctxLoggerKey{}, &CtxLogger{requestLogger})
			next.ServeHTTP(ww, r.WithContext(ctx))

			fields := Fields{
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"latency_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			}
			// chi fills the route context while routing, after this
			// middleware ran, so it is read back here.
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					fields["route"] = pattern
				}
				if id := rctx.URLParam("id"); id != "" {
					fields["sweep_id"] = id
				}
			}

			done := requestLogger.WithFields(fields)
			switch status := ww.Status(); {
			case status >= http.StatusInternalServerError:
				done.Error("Request failed", Fields{"error": http.StatusText(status)})
			case status >= http.StatusBadRequest:
				done.Warn("Request rejected", Fields{"error": http.StatusText(status)})
			case quietPaths[r.URL.Path]:
				done.Debug("Request completed")
			default:
				done.Info("Request completed")
			}
		})
	}
}
