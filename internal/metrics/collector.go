// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the bridge's Prometheus metrics.
type Collector struct {
	runsStarted    prometheus.Counter
	runsCompleted  prometheus.Counter
	runsFailed     prometheus.Counter
	suspensions    *prometheus.CounterVec
	resumes        prometheus.Counter
	suspendedRuns  prometheus.Gauge
	suspendSeconds prometheus.Histogram
	eventsTotal    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewCollector creates and registers the bridge metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// private registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed successfully",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_failed_total",
			Help:      "Total number of runs that failed",
		}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_total",
			Help:      "Total number of breakpoint suspensions",
		}, []string{"category"}),
		resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Total number of successful resumes",
		}),
		suspendedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspended_runs",
			Help:      "Number of runs currently suspended",
		}),
		suspendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suspension_duration_seconds",
			Help:      "Time runs spend suspended waiting for a resume signal",
			// Human-scale waits: seconds to days.
			Buckets: []float64{1, 10, 60, 600, 3600, 21600, 86400, 604800},
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Total engine events processed, by canonical category",
		}, []string{"category"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests, by method, normalized path, and status",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and normalized path",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.runsStarted,
		c.runsCompleted,
		c.runsFailed,
		c.suspensions,
		c.resumes,
		c.suspendedRuns,
		c.suspendSeconds,
		c.eventsTotal,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// RecordRunStarted increments the started-run counter.
func (c *Collector) RecordRunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
}

// RecordRunCompleted increments the completed-run counter.
func (c *Collector) RecordRunCompleted() {
	if c == nil {
		return
	}
	c.runsCompleted.Inc()
}

// RecordRunFailed increments the failed-run counter.
func (c *Collector) RecordRunFailed() {
	if c == nil {
		return
	}
	c.runsFailed.Inc()
}

// RecordEvent counts one processed engine event by canonical category.
func (c *Collector) RecordEvent(category string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(category).Inc()
}

// RecordSuspension counts a breakpoint suspension and bumps the suspended
// gauge.
func (c *Collector) RecordSuspension(category string) {
	if c == nil {
		return
	}
	c.suspensions.WithLabelValues(category).Inc()
	c.suspendedRuns.Inc()
}

// RecordResume counts a successful resume and records the wait duration.
func (c *Collector) RecordResume(waited time.Duration) {
	if c == nil {
		return
	}
	c.resumes.Inc()
	c.suspendedRuns.Dec()
	c.suspendSeconds.Observe(waited.Seconds())
}

// RecordHTTPRequest records one served HTTP request. Path must already be
// normalized to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSuspensionEnd decrements the suspended gauge without counting a
// resume, for suspensions ended by cancellation.
func (c *Collector) RecordSuspensionEnd() {
	if c == nil {
		return
	}
	c.suspendedRuns.Dec()
}

// RecordSuspensionRecovered bumps the suspended gauge for a suspension
// created by a previous process. The suspensions counter is untouched; the
// suspension was already counted when it happened.
func (c *Collector) RecordSuspensionRecovered() {
	if c == nil {
		return
	}
	c.suspendedRuns.Inc()
}
