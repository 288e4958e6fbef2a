// metrics.go — Prometheus HTTP метрики для Ingest Module.
// Регистрирует метрики: im_http_requests_total, im_http_request_duration_seconds.
// Бизнес-метрики (сессии, задания, sweep) регистрируются в соответствующих
// пакетах и обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_http_requests_total",
			Help: "Общее количество HTTP-запросов к Ingest Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Ingest Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (динамические сегменты → плейсхолдеры против роста кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush пробрасывает Flush к оригинальному writer-у (нужно SSE endpoint-у).
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath заменяет динамические сегменты пути на плейсхолдеры.
// /api/v1/uploads/t1-123/parts/4 → /api/v1/uploads/{id}/parts/{n}
// /api/v1/ingest/files/tenants%2F.../status → /api/v1/ingest/files/{key}/status
func normalizePath(path string) string {
	switch {
	case path == "/health/live", path == "/health/ready", path == "/metrics":
		return path
	case path == "/api/v1/uploads",
		path == "/api/v1/ingest/complete",
		path == "/api/v1/ingest/retry",
		path == "/api/v1/ingest/queue",
		path == "/api/v1/ingest/events":
		return path
	case strings.HasPrefix(path, "/api/v1/uploads/"):
		rest := path[len("/api/v1/uploads/"):]
		switch {
		case strings.Contains(rest, "/parts/"):
			return "/api/v1/uploads/{id}/parts/{n}"
		case strings.HasSuffix(rest, "/complete"):
			return "/api/v1/uploads/{id}/complete"
		case strings.HasSuffix(rest, "/progress"):
			return "/api/v1/uploads/{id}/progress"
		default:
			return "/api/v1/uploads/{id}"
		}
	case strings.HasPrefix(path, "/api/v1/ingest/files/"):
		return "/api/v1/ingest/files/{key}/status"
	}
	return path
}
