package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPMiddleware logs one line per request and attaches a request
// scoped logger to the context for handlers to pick up
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			builder := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr)

			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				builder = builder.Str("request_id", reqID)
			}
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					builder = builder.Str("route", pattern)
				}
			}

			logger := builder.Logger()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			var event *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				event = logger.Error()
			case ww.statusCode >= 400:
				event = logger.Warn()
			default:
				event = logger.Info()
			}
			event.
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Int64("bytes", ww.written).
				Msg("Request completed")
		})
	}
}

// responseWriter captures the status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
