// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry gathers the metrics registered with promauto, which include the job
// counters and the Go runtime collectors, together with collectors added later.
type Registry struct {
	registry *prometheus.Registry
	gatherer prometheus.Gatherer
}

// NewRegistry creates a registry on top of the default Prometheus gatherer.
func NewRegistry() *Registry {
	return newRegistry(prometheus.DefaultGatherer)
}

func newRegistry(base prometheus.Gatherer) *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		registry: reg,
		gatherer: prometheus.Gatherers{base, reg},
	}
}

// Register adds a collector that is not registered with promauto.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector added with Register.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer returns the combined gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
