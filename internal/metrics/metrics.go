package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	storeDegraded prometheus.Gauge
	decisions     *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	tasksDropped  prometheus.Counter
	failOpen      prometheus.Counter
}

// New registers the collectors on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		storeDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "abuseguard_store_degraded",
			Help: "1 while the shared store is failing and the local fallback is serving",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abuseguard_decisions_total",
			Help: "Gate decisions by action and reason",
		}, []string{"action", "reason"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abuseguard_escalations_total",
			Help: "Escalation tiers reached by identity scope",
		}, []string{"tier", "scope"}),
		tasksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "abuseguard_tasks_dropped_total",
			Help: "Background escalation tasks dropped because the queue was full or closed",
		}),
		failOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "abuseguard_fail_open_total",
			Help: "Requests admitted because the gate hit an infrastructure fault",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetDegraded records the shared store state.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.storeDegraded.Set(1)
		return
	}
	m.storeDegraded.Set(0)
}

// Decision counts a gate decision.
func (m *Metrics) Decision(action, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, reason).Inc()
}

// Escalation counts a tier reached for an identity scope ("ip" or "user").
func (m *Metrics) Escalation(tier, scope string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(tier, scope).Inc()
}

// TaskDropped counts a dropped background task.
func (m *Metrics) TaskDropped() {
	if m == nil {
		return
	}
	m.tasksDropped.Inc()
}

// FailOpen counts a request admitted after a gate fault.
func (m *Metrics) FailOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}
