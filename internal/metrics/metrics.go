// Package metrics exports pipeline results as Prometheus metrics.
package metrics

import (
	"net/http"

	"shotmatch/internal/matcher"
	"shotmatch/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shotmatch"

// Collector records matcher results. It implements matcher.Observer and owns
// its registry so several collectors can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	verdictsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	promotions    prometheus.Counter
	runDuration   *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec
}

var _ matcher.Observer = (*Collector)(nil)

// New creates a collector with Go runtime and process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of screenshot matches by status",
		}, []string{"domain", "status"}),
		verdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Total number of comparison verdicts",
		}, []string{"domain", "viewport", "verdict"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of aborted matches by stage",
		}, []string{"stage"}),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_promotions_total",
			Help:      "Total number of candidates promoted to baseline",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a full screenshot match",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last match per target",
		}, []string{"domain", "viewport", "page"}),
	}
}

// Observe records one result.
func (c *Collector) Observe(r matcher.Result) {
	t := r.Request.Target
	status := "failed"
	switch {
	case r.Err != nil:
		status = "errored"
		c.errorsTotal.WithLabelValues(string(r.Stage)).Inc()
	case r.Passed():
		status = "passed"
	}
	c.runsTotal.WithLabelValues(t.Domain, status).Inc()

	if r.Verdict.Valid() {
		c.verdictsTotal.WithLabelValues(t.Domain, t.Viewport, r.Verdict.String()).Inc()
	}
	if r.Err == nil && r.Outcome.Action == reconcile.ActionPromoted {
		c.promotions.Inc()
	}
	c.runDuration.WithLabelValues(string(r.Stage)).Observe(r.Duration.Seconds())
	if !r.StartedAt.IsZero() {
		c.lastRun.WithLabelValues(t.Domain, t.Viewport, t.Page).Set(float64(r.StartedAt.Unix()))
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
