// Package metrics exposes call-flow and origination counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callbridge"

// Metrics implements the observer interfaces of the walker and the Core.
type Metrics struct {
	registry *prometheus.Registry

	elements     *prometheus.CounterVec // By element and status
	walks        *prometheus.CounterVec // By finish reason
	originations *prometheus.CounterVec // By core
	outcomes     *prometheus.CounterVec // By core and outcome
	sessions     *prometheus.GaugeVec   // By core
}

// New creates and registers every metric on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		elements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "elements_total",
			Help:      "Call-flow elements executed",
		}, []string{"element", "status"}), // status: ok, error

		walks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "walks_total",
			Help:      "Call-flow walks finished",
		}, []string{"reason"}),

		originations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "originate_attempts_total",
			Help:      "Originate commands submitted",
		}, []string{"core"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "originate_results_total",
			Help:      "Originate job results",
		}, []string{"core", "outcome"}),

		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "sessions_active",
			Help:      "Legs currently attached",
		}, []string{"core"}),
	}

	m.registry.MustRegister(
		m.elements,
		m.walks,
		m.originations,
		m.outcomes,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ElementExecuted counts one element dispatch.
func (m *Metrics) ElementExecuted(name string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.elements.WithLabelValues(name, status).Inc()
}

// WalkFinished counts a finished walk.
func (m *Metrics) WalkFinished(reason string) {
	m.walks.WithLabelValues(reason).Inc()
}

func (m *Metrics) OriginateAttempt(core string) {
	m.originations.WithLabelValues(core).Inc()
}

func (m *Metrics) OriginateFinished(core, outcome string) {
	m.outcomes.WithLabelValues(core, outcome).Inc()
}

func (m *Metrics) SessionsActive(core string, n int) {
	m.sessions.WithLabelValues(core).Set(float64(n))
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
