// Package metrics exposes prometheus counters for dispatcher decisions,
// workflow results, activity attempts and recovery sweeps.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/dsrflow/internal/dispatcher"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/outcome"
)

const namespace = "dsrflow"

// Collector is a prometheus.Collector for the orchestration metrics.
type Collector struct {
	dispatches       *prometheus.CounterVec
	results          *prometheus.CounterVec
	activityAttempts *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Change records handled by the dispatcher.",
			}, []string{"operation", "action", "result"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestration_results_total",
				Help:      "Workflow results by orchestrator and kind.",
			}, []string{"orchestrator", "kind", "type"},
		),
		activityAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_attempts_total",
				Help:      "Activity attempts, including retries.",
			}, []string{"activity", "outcome"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_requests_total",
				Help:      "Failed requests seen by the recovery sweep.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.dispatches.Describe(ch)
	c.results.Describe(ch)
	c.activityAttempts.Describe(ch)
	c.sweeps.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.dispatches.Collect(ch)
	c.results.Collect(ch)
	c.activityAttempts.Collect(ch)
	c.sweeps.Collect(ch)
}

// ObserveDispatch counts a dispatcher outcome. It has the signature of a
// dispatcher observer.
func (c *Collector) ObserveDispatch(o dispatcher.Outcome) {
	c.dispatches.WithLabelValues(string(o.Record.Operation), string(o.Action), string(o.Result)).Inc()
}

// ObserveResult counts a workflow result. It has the signature of an
// orchestrator result hook.
func (c *Collector) ObserveResult(name string, res outcome.Result) {
	c.results.WithLabelValues(name, string(res.Kind), string(res.Type)).Inc()
}

// ObserveActivity counts an activity attempt. It has the signature of a
// runtime activity observer.
func (c *Collector) ObserveActivity(call durable.ActivityCall) {
	result := "ok"
	if call.Err != nil {
		result = "error"
	}
	c.activityAttempts.WithLabelValues(call.Name, result).Inc()
}

// ObserveSweep counts the requests of one sweep.
func (c *Collector) ObserveSweep(r dispatcher.SweepReport) {
	c.sweeps.WithLabelValues("started").Add(float64(r.Started))
	c.sweeps.WithLabelValues("running").Add(float64(r.Running))
	c.sweeps.WithLabelValues("failed").Add(float64(r.Failed))
}

// NewRegistry returns a registry holding c and the Go and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg in the exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
