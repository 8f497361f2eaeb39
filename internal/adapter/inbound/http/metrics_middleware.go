package http

import (
	"net/http"
	"time"
)

// unmeasuredPaths are excluded from request metrics so scrapes and
// health probes do not dominate the series.
var unmeasuredPaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
}

// MetricsMiddleware records request counts and latency for every
// measured endpoint. Counts carry the method and a coarse status label:
// "ok" below 400, "error" at or above.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeasuredPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, sw.label()).Inc()
		})
	}
}

// statusWriter captures the status code written by the handler chain.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming writes through when the underlying writer
// supports them.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// label collapses the captured code to the coarse status label.
func (w *statusWriter) label() string {
	if w.code >= http.StatusBadRequest {
		return "error"
	}
	return "ok"
}
