package logging

import (
	"log/slog"
	"net/http"
	"time"
)

// HTTPMiddleware logs every API request. Routine traffic (including the
// 503s a gateway serves while no agent is attached) stays at Debug;
// gateway-side failures are promoted to Warn so they surface at the
// default level.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"bytes", rw.written,
			"duration", time.Since(start),
		}
		if rw.status >= http.StatusInternalServerError && rw.status != http.StatusServiceUnavailable {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	})
}

// responseWriter captures the status code and body size for the access
// log entry.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and the websocket upgrade,
// which need the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
