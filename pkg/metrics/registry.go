// Package metrics exposes Prometheus collectors for the orchestration
// core's request path, backend round trips, and authorization checks,
// plus gauges for the database connection pool's stats. DynamicStats
// (dynamic_stats.go) is a separate reset-on-flush collector of per-key
// durations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Registry wraps every Prometheus collector the orchestration core
// reports. It is not a singleton: callers build one per process and
// pass it where it's needed, so tests can use an isolated registry.
type Registry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authDuration    prometheus.Histogram
	runningRequests prometheus.Gauge
	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec

	poolAcquired prometheus.Gauge
	poolIdle     prometheus.Gauge
	poolTotal    prometheus.Gauge
	poolMax      prometheus.Gauge
}

// NewRegistry builds a Registry and registers every collector on a
// fresh prometheus.Registry, along with the default Go/process
// collectors.
func NewRegistry(namespace string) *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by method.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method"}),

		authDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorization_duration_seconds",
			Help:      "Time spent evaluating authorization for a request.",
			Buckets:   defaultDurationBuckets,
		}),

		runningRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_requests",
			Help:      "Number of requests currently being handled.",
		}),

		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total requests sent to Janus backends, by method and outcome.",
		}, []string{"method", "outcome"}),

		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend round-trip latency by method.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method"}),

		poolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquired_conns",
			Help:      "Database connections currently acquired.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_conns",
			Help:      "Database connections currently idle.",
		}),
		poolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_total_conns",
			Help:      "Total database connections currently open.",
		}),
		poolMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_max_conns",
			Help:      "Configured maximum database connections.",
		}),
	}

	registry.MustRegister(
		r.requestsTotal, r.requestDuration, r.authDuration, r.runningRequests,
		r.backendRequests, r.backendDuration,
		r.poolAcquired, r.poolIdle, r.poolTotal, r.poolMax,
	)

	return r
}

// ObserveRequest records one finished request's outcome and latency.
func (r *Registry) ObserveRequest(method string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.requestsTotal.WithLabelValues(method, outcome).Inc()
	r.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveAuthorization records one authorization check's latency.
func (r *Registry) ObserveAuthorization(d time.Duration) {
	r.authDuration.Observe(d.Seconds())
}

// IncRunningRequests marks a request as started.
func (r *Registry) IncRunningRequests() { r.runningRequests.Inc() }

// DecRunningRequests marks a request as finished.
func (r *Registry) DecRunningRequests() { r.runningRequests.Dec() }

// ObserveBackendRequest records one backend round trip's outcome and
// latency.
func (r *Registry) ObserveBackendRequest(method string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.backendRequests.WithLabelValues(method, outcome).Inc()
	r.backendDuration.WithLabelValues(method).Observe(d.Seconds())
}

// PoolStat is a snapshot of a database connection pool's gauges, as
// reported by pgxpool.Pool.Stat().
type PoolStat struct {
	AcquiredConns int32
	IdleConns     int32
	TotalConns    int32
	MaxConns      int32
}

// SetPoolStat publishes the latest database pool gauges.
func (r *Registry) SetPoolStat(s PoolStat) {
	r.poolAcquired.Set(float64(s.AcquiredConns))
	r.poolIdle.Set(float64(s.IdleConns))
	r.poolTotal.Set(float64(s.TotalConns))
	r.poolMax.Set(float64(s.MaxConns))
}

// Handler returns the HTTP handler a scraper polls.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
