// Package metrics holds the Prometheus collectors for the decision and
// execution pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so that several instances can
// coexist in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal       *prometheus.CounterVec
	PlansTotal           *prometheus.CounterVec
	ConstraintViolations *prometheus.CounterVec
	SubmissionAttempts   *prometheus.CounterVec
	VelocityRejections   prometheus.Counter
	KillSwitchActive     prometheus.Gauge
	SimulationDuration   *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "launchguard"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "decisions_total",
			Help:      "Final decisions produced, by status",
		}, []string{"status"}),
		PlansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "transitions_total",
			Help:      "Execution plan status transitions, by resulting status",
		}, []string{"status"}),
		ConstraintViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "constraints",
			Name:      "violations_total",
			Help:      "Constraint violations, by type and severity",
		}, []string{"type", "severity"}),
		SubmissionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "attempts_total",
			Help:      "Transaction submission attempts, by route and outcome",
		}, []string{"route", "outcome"}),
		VelocityRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "velocity_rejections_total",
			Help:      "Spends rejected by the velocity limit",
		}),
		KillSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "kill_switch_active",
			Help:      "1 while the kill switch is active",
		}),
		SimulationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "duration_seconds",
			Help:      "Bundle simulation latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"success"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DecisionBuilt(status string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) PlanOutcome(status string) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ConstraintViolation(typ, severity string) {
	if m == nil {
		return
	}
	m.ConstraintViolations.WithLabelValues(typ, severity).Inc()
}

func (m *Metrics) SubmissionAttempt(route, outcome string) {
	if m == nil {
		return
	}
	m.SubmissionAttempts.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) VelocityRejected() {
	if m == nil {
		return
	}
	m.VelocityRejections.Inc()
}

func (m *Metrics) SetKillSwitchActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.KillSwitchActive.Set(1)
		return
	}
	m.KillSwitchActive.Set(0)
}

func (m *Metrics) ObserveSimulation(d time.Duration, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.SimulationDuration.WithLabelValues(label).Observe(d.Seconds())
}
