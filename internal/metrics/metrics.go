// Package metrics exposes Prometheus collectors for fitting sweeps.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dffit"

// Collector groups the sweep and run metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runError     prometheus.Histogram
	sweeps       *prometheus.CounterVec
	activeSweeps prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed optimization runs by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a single optimization run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"method"}),
		runError: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_normalized_error",
			Help:      "Normalized fit error of successful runs in µM.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 10, 9),
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Finished sweeps by outcome.",
		}, []string{"outcome"}),
		activeSweeps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweeps_active",
			Help:      "Sweeps currently running.",
		}),
	}

	for _, col := range []prometheus.Collector{c.runs, c.runDuration, c.runError, c.sweeps, c.activeSweeps} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveRun records one finished run.
func (c *Collector) ObserveRun(method, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveError records the normalized error of a successful run.
func (c *Collector) ObserveError(e float64) {
	if c == nil {
		return
	}
	c.runError.Observe(e)
}

// SweepStarted marks a sweep as running.
func (c *Collector) SweepStarted() {
	if c == nil {
		return
	}
	c.activeSweeps.Inc()
}

// SweepFinished marks a sweep as done with the given outcome.
func (c *Collector) SweepFinished(outcome string) {
	if c == nil {
		return
	}
	c.activeSweeps.Dec()
	c.sweeps.WithLabelValues(outcome).Inc()
}
