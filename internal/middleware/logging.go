package middleware

import (
	"net/http"
	"time"

	"chama/pkg/logger"

	"github.com/gorilla/mux"
)

type LoggingMiddleware struct {
	logger logger.Logger
}

func NewLoggingMiddleware(log logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: log}
}

// Log writes one line per request. Server errors log at error level and
// client errors at warn, so a health probe loop stays at info.
func (m *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"route":       routeTemplate(r),
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   clientIP(r),
			"request_id":  RequestIDFromContext(r.Context()),
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			m.logger.Error("HTTP request failed", fields)
		case rec.status >= http.StatusBadRequest:
			m.logger.Warn("HTTP request rejected", fields)
		default:
			m.logger.Info("HTTP request", fields)
		}
	})
}

// routeTemplate returns the mux path template, e.g. /reconciliation/{runId}.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
