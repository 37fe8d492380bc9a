// Package metrics is a thin wrapper over prometheus counters, keeping
// counter registration out of the service code paths.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry lazily creates named counters within one subsystem. Each
// Registry owns its prometheus registry, so independent instances (and
// tests) never collide on registration.
type Registry struct {
	subsystem string
	reg       *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
}

func NewRegistry(subsystem string) *Registry {
	return &Registry{
		subsystem: subsystem,
		reg:       prometheus.NewRegistry(),
		counters:  make(map[string]prometheus.Counter),
	}
}

// Counter returns the counter with the given name, registering it on
// first use.
func (r *Registry) Counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "registry",
		Subsystem: r.subsystem,
		Name:      name,
	})
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Handler returns the exposition handler for this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
