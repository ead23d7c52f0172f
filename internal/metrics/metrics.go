// Package metrics exposes Prometheus instrumentation for engines and pools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pglink.
type Collector struct {
	Registry         *prometheus.Registry
	enginesActive    *prometheus.GaugeVec
	enginesIdle      *prometheus.GaugeVec
	enginesTotal     *prometheus.GaugeVec
	enginesWaiting   *prometheus.GaugeVec
	connectsTotal    *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	rowsDelivered    *prometheus.CounterVec
	poolExhausted    *prometheus.CounterVec
	acquireDuration  *prometheus.HistogramVec
	notificationsRcv *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry. Safe to call
// multiple times (e.g., in tests) since each call creates an independent
// registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		enginesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pglink_engines_active",
				Help: "Number of checked-out engines per target",
			},
			[]string{"target"},
		),
		enginesIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pglink_engines_idle",
				Help: "Number of idle engines per target",
			},
			[]string{"target"},
		),
		enginesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pglink_engines_total",
				Help: "Total engines per target",
			},
			[]string{"target"},
		),
		enginesWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pglink_engines_waiting",
				Help: "Number of goroutines waiting for an engine per target",
			},
			[]string{"target"},
		),
		connectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_connects_total",
				Help: "Connection bring-up attempts by outcome",
			},
			[]string{"target", "status"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_auth_failures_total",
				Help: "Authentication failures per target",
			},
			[]string{"target"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_queries_total",
				Help: "Queries completed by outcome",
			},
			[]string{"target", "status"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pglink_query_duration_seconds",
				Help:    "Duration from first frontend message to completion",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		rowsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_rows_delivered_total",
				Help: "Result rows delivered to consumers",
			},
			[]string{"target"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_pool_exhausted_total",
				Help: "Times a pool hit max engines and a caller had to wait",
			},
			[]string{"target"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pglink_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"target"},
		),
		notificationsRcv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_notifications_total",
				Help: "LISTEN/NOTIFY payloads received per channel",
			},
			[]string{"target", "channel"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglink_disconnects_total",
				Help: "Engines lost to EOF or fatal protocol errors",
			},
			[]string{"target"},
		),
	}

	reg.MustRegister(
		c.enginesActive,
		c.enginesIdle,
		c.enginesTotal,
		c.enginesWaiting,
		c.connectsTotal,
		c.authFailures,
		c.queriesTotal,
		c.queryDuration,
		c.rowsDelivered,
		c.poolExhausted,
		c.acquireDuration,
		c.notificationsRcv,
		c.disconnects,
	)

	return c
}

// UpdatePoolStats updates the engine gauge metrics from a stats snapshot.
func (c *Collector) UpdatePoolStats(target string, active, idle, total, waiting int) {
	c.enginesActive.WithLabelValues(target).Set(float64(active))
	c.enginesIdle.WithLabelValues(target).Set(float64(idle))
	c.enginesTotal.WithLabelValues(target).Set(float64(total))
	c.enginesWaiting.WithLabelValues(target).Set(float64(waiting))
}

// ConnectCompleted records a bring-up attempt and its outcome.
func (c *Collector) ConnectCompleted(target string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.connectsTotal.WithLabelValues(target, status).Inc()
}

// AuthFailure increments the authentication failure counter.
func (c *Collector) AuthFailure(target string) {
	c.authFailures.WithLabelValues(target).Inc()
}

// QueryCompleted records a finished query and its duration.
func (c *Collector) QueryCompleted(target string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.queriesTotal.WithLabelValues(target, status).Inc()
	c.queryDuration.WithLabelValues(target).Observe(d.Seconds())
}

// RowsDelivered adds to the delivered row counter.
func (c *Collector) RowsDelivered(target string, n int) {
	c.rowsDelivered.WithLabelValues(target).Add(float64(n))
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(target string) {
	c.poolExhausted.WithLabelValues(target).Inc()
}

// AcquireDuration observes the time spent waiting for an engine.
func (c *Collector) AcquireDuration(target string, d time.Duration) {
	c.acquireDuration.WithLabelValues(target).Observe(d.Seconds())
}

// NotificationReceived counts a LISTEN/NOTIFY payload.
func (c *Collector) NotificationReceived(target, channel string) {
	c.notificationsRcv.WithLabelValues(target, channel).Inc()
}

// Disconnect counts a lost engine.
func (c *Collector) Disconnect(target string) {
	c.disconnects.WithLabelValues(target).Inc()
}

// RemoveTarget removes all metrics for a target.
func (c *Collector) RemoveTarget(target string) {
	c.enginesActive.DeleteLabelValues(target)
	c.enginesIdle.DeleteLabelValues(target)
	c.enginesTotal.DeleteLabelValues(target)
	c.enginesWaiting.DeleteLabelValues(target)
	c.connectsTotal.DeletePartialMatch(prometheus.Labels{"target": target})
	c.authFailures.DeleteLabelValues(target)
	c.queriesTotal.DeletePartialMatch(prometheus.Labels{"target": target})
	c.queryDuration.DeleteLabelValues(target)
	c.rowsDelivered.DeleteLabelValues(target)
	c.poolExhausted.DeleteLabelValues(target)
	c.acquireDuration.DeleteLabelValues(target)
	c.notificationsRcv.DeletePartialMatch(prometheus.Labels{"target": target})
	c.disconnects.DeleteLabelValues(target)
}
