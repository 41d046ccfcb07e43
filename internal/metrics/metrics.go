// Package metrics exposes Prometheus collectors for bootstrap and the HTTP
// listener.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests and multiple instances never
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	bootstrapRuns  *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	bootstrapReady prometheus.Gauge
}

// NewRecorder creates and registers all collectors, including the Go
// runtime and process collectors.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		bootstrapRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vlamy_bootstrap_runs_total",
			Help: "Bootstrap runs by final status.",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vlamy_bootstrap_phase_duration_seconds",
			Help:    "Time spent in each bootstrap phase.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		}, []string{"phase", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vlamy_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vlamy_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		bootstrapReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vlamy_ready",
			Help: "1 once bootstrap has completed successfully.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.bootstrapRuns,
		r.phaseDuration,
		r.httpRequests,
		r.httpDuration,
		r.bootstrapReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return r, nil
}

// ObservePhase records the duration of one bootstrap phase.
func (r *Recorder) ObservePhase(phase, status string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}

// ObserveRun counts a finished bootstrap run and updates the ready gauge.
func (r *Recorder) ObserveRun(status string) {
	r.bootstrapRuns.WithLabelValues(status).Inc()
	if status == "ok" {
		r.bootstrapReady.Set(1)
	} else {
		r.bootstrapReady.Set(0)
	}
}

// Middleware counts requests by matched route. Unmatched requests share the
// "unmatched" route label to bound cardinality.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}
