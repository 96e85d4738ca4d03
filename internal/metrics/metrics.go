// Package metrics holds the Prometheus collectors for the gate.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_gate"

// Metrics holds all the Prometheus metrics for the gate service
type Metrics struct {
	Decisions          *prometheus.CounterVec
	ExecutionErrors    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	InFlight           prometheus.Gauge
	ConfirmationChoice *prometheus.CounterVec
	AnomaliesDetected  *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	NatsPublishErrors  prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Security decisions by outcome and risk level",
		}, []string{"decision", "risk_level"}),
		ExecutionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_errors_total",
			Help:      "Secure execution failures by error type",
		}, []string{"type"}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of secure executions including confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Executions currently holding a concurrency slot",
		}),
		ConfirmationChoice: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_choices_total",
			Help:      "Processed confirmation choices",
		}, []string{"choice"}),
		AnomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Anomalies raised by type and severity",
		}, []string{"type", "severity"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a buffer was full",
		}, []string{"sink"}),
		NatsPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total number of NATS publish errors",
		}),
	}
}

func (m *Metrics) ObserveDecision(decision, riskLevel string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, riskLevel).Inc()
}

func (m *Metrics) ObserveExecutionError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) ObserveConfirmation(choice string) {
	if m == nil {
		return
	}
	m.ConfirmationChoice.WithLabelValues(choice).Inc()
}

func (m *Metrics) ObserveAnomaly(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.AnomaliesDetected.WithLabelValues(anomalyType, severity).Inc()
}

// EventDropped counts a dropped event for sink ("anomaly", "audit").
func (m *Metrics) EventDropped(sink string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementNatsPublishErrors() {
	if m == nil {
		return
	}
	m.NatsPublishErrors.Inc()
}
