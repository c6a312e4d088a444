// Package metrics exposes syndication outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"syndicate-go/internal/syndicate"
)

// Namespace prefixes every metric name.
const Namespace = "syndicate"

// Collector implements syndicate.Metrics on its own registry, so several
// collectors can coexist in one process (tests, embedded use).
type Collector struct {
	registry *prometheus.Registry

	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	groupSyncTotal    *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
	queueDepth        prometheus.Gauge
}

var _ syndicate.Metrics = (*Collector)(nil)

// NewCollector creates a collector with all metrics registered.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reconcile",
			Name:      "total",
			Help:      "Reconciliations of a dataset against a remote portal",
		},
		[]string{"profile", "topic", "outcome"},
	)

	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time spent reconciling one dataset against one profile",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"profile", "topic"},
	)

	c.groupSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "group_sync",
			Name:      "total",
			Help:      "Group and organization synchronizations",
		},
		[]string{"profile", "kind", "outcome"},
	)

	c.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Queue jobs handled by the worker",
		},
		[]string{"outcome"},
	)

	c.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending jobs observed at the last poll",
		},
	)

	c.registry.MustRegister(
		c.reconcileTotal,
		c.reconcileDuration,
		c.groupSyncTotal,
		c.jobsTotal,
		c.queueDepth,
	)
	return c
}

func (c *Collector) ObserveReconcile(profileID string, topic syndicate.Topic, outcome string, seconds float64) {
	c.reconcileTotal.WithLabelValues(profileID, topic.String(), outcome).Inc()
	c.reconcileDuration.WithLabelValues(profileID, topic.String()).Observe(seconds)
}

func (c *Collector) ObserveGroupSync(profileID string, kind syndicate.GroupKind, outcome string) {
	c.groupSyncTotal.WithLabelValues(profileID, string(kind), outcome).Inc()
}

func (c *Collector) ObserveJob(outcome string) {
	c.jobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the number of pending jobs.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
