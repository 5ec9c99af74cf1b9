package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/tilestream/internal/logger"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilestream_http_request_duration_seconds",
		Help:    "HTTP request latency by route template",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_http_requests_total",
		Help: "HTTP requests by route template and status",
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_http_requests_in_flight",
		Help: "HTTP requests being served",
	})

	originBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_origin_bytes_total",
		Help: "Bytes served by the origin, by route template",
	}, []string{"path"})
)

// probePaths are excluded from request metrics and completion logs.
var probePaths = map[string]bool{"/health": true, "/ready": true, "/live": true}

// Headers a cross-origin player needs to read manifests and segments.
const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Range, " + logger.RequestIDHeader
	corsExposeHeaders = "Content-Length, Location, " + logger.RequestIDHeader
)

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logger.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(logger.RequestIDHeader, id)
		}
		w.Header().Set(logger.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// routeTemplate labels a request by its mux template so session and tile
// ids stay out of metric series.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probePaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		rw := logger.NewResponseWriter(w)
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		path := routeTemplate(r)
		status := strconv.Itoa(rw.StatusCode())
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(elapsed.Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		if r.Method == http.MethodGet && rw.StatusCode() == http.StatusOK {
			originBytesTotal.WithLabelValues(path).Add(float64(rw.BytesWritten()))
		}

		logger.FromContext(r.Context()).WithFields(logger.Fields{
			"route":       path,
			"status":      rw.StatusCode(),
			"duration_ms": elapsed.Milliseconds(),
			"bytes":       rw.BytesWritten(),
		}).Info("Request completed")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500 tagged with the
// request and, for session routes, the session id.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			fields := logger.Fields{
				"panic":      rec,
				"request_id": r.Header.Get(logger.RequestIDHeader),
				"route":      routeTemplate(r),
			}
			if id, ok := mux.Vars(r)["id"]; ok {
				fields["session_id"] = id
			}
			s.logger.WithFields(fields).Error("Panic recovered")
			s.errorHandler.HandlePanic(w, r, rec)
		}()
		next.ServeHTTP(w, r)
	})
}
