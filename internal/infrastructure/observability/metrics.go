package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector holds all Prometheus metrics for the data core.
//
// A nil *Collector is valid and records nothing, so components can be built
// in tests without a registry.
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Pool metrics
	PoolConnections  *prometheus.GaugeVec
	PoolAcquires     *prometheus.CounterVec
	PoolAcquireWait  *prometheus.HistogramVec
	PoolReplacements *prometheus.CounterVec

	// Routing metrics
	ReplicaFallbacks *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Dependency metrics
	DependencyHealth *prometheus.GaugeVec

	// Startup metrics
	StartupPhaseDuration *prometheus.HistogramVec
	StartupPhaseResults  *prometheus.CounterVec
	StartupRetries       *prometheus.CounterVec

	// HTTP metrics for the diagnostics server
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector with the given namespace and
// its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Connections tracked by each pool, by state",
			},
			[]string{"endpoint", "state"},
		),
		PoolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Connection acquisitions by result",
			},
			[]string{"endpoint", "result"},
		),
		PoolAcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_wait_seconds",
				Help:      "Time spent waiting for a connection",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		PoolReplacements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "replacements_total",
				Help:      "Connections discarded and replaced, by reason",
			},
			[]string{"endpoint", "reason"},
		),
		ReplicaFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "replica_fallbacks_total",
				Help:      "Reads redirected from a replica to the primary",
			},
			[]string{"replica"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "breaker_state",
				Help:      "Replica circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"replica"},
		),
		DependencyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "container",
				Name:      "dependency_healthy",
				Help:      "1 when the dependency's last health check passed",
			},
			[]string{"name"},
		),
		StartupPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "startup",
				Name:      "phase_duration_seconds",
				Help:      "Startup phase duration including retries",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"phase"},
		),
		StartupPhaseResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "startup",
				Name:      "phase_results_total",
				Help:      "Startup phase outcomes",
			},
			[]string{"phase", "outcome"},
		),
		StartupRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "startup",
				Name:      "phase_retries_total",
				Help:      "Startup phase retry attempts",
			},
			[]string{"phase"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.PoolConnections,
		c.PoolAcquires,
		c.PoolAcquireWait,
		c.PoolReplacements,
		c.ReplicaFallbacks,
		c.BreakerState,
		c.DependencyHealth,
		c.StartupPhaseDuration,
		c.StartupPhaseResults,
		c.StartupRetries,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SetPoolConnections publishes the pool's current accounting.
func (c *Collector) SetPoolConnections(endpoint string, available, inUse int) {
	if c == nil {
		return
	}
	c.PoolConnections.WithLabelValues(endpoint, "available").Set(float64(available))
	c.PoolConnections.WithLabelValues(endpoint, "in_use").Set(float64(inUse))
}

// RecordAcquire counts an acquisition outcome and its wait time.
func (c *Collector) RecordAcquire(endpoint, result string, wait time.Duration) {
	if c == nil {
		return
	}
	c.PoolAcquires.WithLabelValues(endpoint, result).Inc()
	c.PoolAcquireWait.WithLabelValues(endpoint).Observe(wait.Seconds())
}

// RecordReplacement counts a discarded connection.
func (c *Collector) RecordReplacement(endpoint, reason string) {
	if c == nil {
		return
	}
	c.PoolReplacements.WithLabelValues(endpoint, reason).Inc()
}

// RecordFallback counts a read redirected to the primary.
func (c *Collector) RecordFallback(replica string) {
	if c == nil {
		return
	}
	c.ReplicaFallbacks.WithLabelValues(replica).Inc()
}

// SetBreakerState publishes a replica breaker transition.
func (c *Collector) SetBreakerState(replica string, state int) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(replica).Set(float64(state))
}

// SetDependencyHealth publishes a dependency health result.
func (c *Collector) SetDependencyHealth(name string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.DependencyHealth.WithLabelValues(name).Set(v)
}

// RecordPhase records a startup phase outcome.
func (c *Collector) RecordPhase(phase, outcome string, duration time.Duration, retries int) {
	if c == nil {
		return
	}
	c.StartupPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	c.StartupPhaseResults.WithLabelValues(phase, outcome).Inc()
	if retries > 0 {
		c.StartupRetries.WithLabelValues(phase).Add(float64(retries))
	}
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
