package cacheworker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	fetchEvents *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	writes      *prometheus.CounterVec
	installs    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	activeGauge prometheus.Gauge
}

// newMetrics registers the collectors on the given registry.
// A private registry is created if none is given, so that several containers
// can live in the same process.
func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		fetchEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_worker_fetch_events_total",
				Help: "Fetch events by controlling state and outcome",
			},
			[]string{"controlled", "outcome"},
		),
		lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_worker_cache_lookups_total",
				Help: "Cache lookups performed by the fetch handler",
			},
			[]string{"cache", "result"},
		),
		writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_worker_cache_writes_total",
				Help: "Cache writes by result",
			},
			[]string{"cache", "result"},
		),
		installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_worker_install_attempts_total",
				Help: "Install attempts by outcome",
			},
			[]string{"outcome"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_worker_lifecycle_transitions_total",
				Help: "Worker lifecycle transitions by target state",
			},
			[]string{"state"},
		),
		activeGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_worker_active_workers",
				Help: "Number of activated workers",
			},
		),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
