// Package metrics holds the Prometheus collectors of the vehicle access
// client. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Terminal action outcomes by kind and outcome
	ActionOutcome *prometheus.CounterVec

	// Submit-to-outcome latency by kind
	ActionLatency *prometheus.HistogramVec

	ActionsInFlight prometheus.Gauge

	// Reconcile results: "ok" or "error"
	ReconcileOutcome *prometheus.CounterVec
	ReconcileLatency prometheus.Histogram

	// Live deliveries by result: "added", "duplicate", "removed", "invalid"
	LiveEvents *prometheus.CounterVec
}

// New registers every collector on reg. A nil reg means the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActionOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicleaccess_action_outcomes_total",
			Help: "Terminal outcomes of operator actions by kind and outcome",
		}, []string{"kind", "outcome"}),

		ActionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vehicleaccess_action_duration_seconds",
			Help:    "Duration from submission to terminal outcome by kind",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),

		ActionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "vehicleaccess_actions_in_flight",
			Help: "Actions submitted and not yet terminal",
		}),

		ReconcileOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicleaccess_reconciles_total",
			Help: "Reconcile runs by result",
		}, []string{"result"}),

		ReconcileLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vehicleaccess_reconcile_duration_seconds",
			Help:    "Duration of a full history replay and snapshot rebuild",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		LiveEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicleaccess_live_events_total",
			Help: "Live AccessChanged deliveries by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveAction(kind, outcome string, d time.Duration) {
	if m != nil {
		m.ActionOutcome.WithLabelValues(kind, outcome).Inc()
		m.ActionLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// IncInFlight counts a submitted action. Pair with DecInFlight.
func (m *Metrics) IncInFlight() {
	if m != nil {
		m.ActionsInFlight.Inc()
	}
}

func (m *Metrics) DecInFlight() {
	if m != nil {
		m.ActionsInFlight.Dec()
	}
}

func (m *Metrics) ObserveReconcile(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileOutcome.WithLabelValues(result).Inc()
	m.ReconcileLatency.Observe(d.Seconds())
}

func (m *Metrics) IncLiveEvent(result string) {
	if m != nil {
		m.LiveEvents.WithLabelValues(result).Inc()
	}
}
