// Package metrics exposes Prometheus counters for Home Assistant service calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts service calls and their latency on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	CallsTotal *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with a fresh registry that also carries
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hass_action_calls_total",
			Help: "Total number of Home Assistant service calls, labelled by entity domain (unknown unless Home Assistant answered 200) and outcome.",
		}, []string{"domain", "outcome"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hass_action_call_duration_seconds",
			Help:    "Latency of Home Assistant service calls in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"domain"}),
	}
}

// ObserveCall records one call.
func (r *Recorder) ObserveCall(domain, outcome string, duration time.Duration) {
	r.CallsTotal.WithLabelValues(domain, outcome).Inc()
	r.Duration.WithLabelValues(domain).Observe(duration.Seconds())
}

// Registry returns the registry the recorder's collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
