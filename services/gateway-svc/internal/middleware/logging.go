package middleware

import (
	"net/http"
	"time"

	"orderctl/pkg/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging records one structured log line per request: method, path,
// status, duration and (when known) the authenticated principal and
// correlation id.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", GetCorrelationID(r.Context()),
		}
		if uid := GetUserID(r.Context()); uid != "" {
			fields = append(fields, "user_id", uid)
		}

		if rec.status >= 500 {
			logger.Log.Error("gateway request failed", fields...)
		} else {
			logger.Log.Info("gateway request completed", fields...)
		}
	})
}
