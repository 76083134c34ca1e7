// Package adminhttp exposes the operational HTTP surface: liveness and
// metrics only. It deliberately does not carry the teacher's management
// REST API (token listing, revocation, key issuance) — that surface is
// out of scope for the core tokenization service.
package adminhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppomes/tokenshield/internal/security"
)

// Metrics is the minimal counter set the /metrics endpoint reports. All
// fields are read with sync/atomic-safe accessors by the caller; this
// struct only shapes the JSON response.
type Metrics struct {
	TokenizeTotal     uint64 `json:"tokenize_total"`
	DetokenizeTotal   uint64 `json:"detokenize_total"`
	MissTotal         uint64 `json:"miss_total"`
	CryptoFailTotal   uint64 `json:"crypto_fail_total"`
	StorageFailTotal  uint64 `json:"storage_fail_total"`
	AuditDroppedTotal uint64 `json:"audit_dropped_total"`
}

// MetricsSource supplies the current counter snapshot; internal/icap's
// wiring in main.go owns the actual atomic counters.
type MetricsSource func() Metrics

// HealthCheck reports whether a dependency (vault store, cache) is
// reachable. A non-nil error fails the health check.
type HealthCheck func() error

// New builds the admin HTTP handler. checks are run on every /healthz
// call; a named check's failure is reported in the response body but
// does not panic the handler.
func New(source MetricsSource, checks map[string]HealthCheck, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(requestLogger(logger))

	r.Get("/healthz", healthzHandler(checks))
	r.Get("/metrics", metricsHandler(source))

	return r
}

func healthzHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(); err != nil {
				results[name] = err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, r, status, map[string]interface{}{
			"status": map[bool]string{true: "ok", false: "degraded"}[healthy],
			"checks": results,
		})
	}
}

func metricsHandler(source MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Metrics
		if source != nil {
			m = source()
		}
		writeJSON(w, r, http.StatusOK, m)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			l.Info("admin_http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", dur.Milliseconds(),
			)
		})
	}
}
