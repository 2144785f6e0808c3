package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the guardian
type Metrics struct {
	PortEventsTotal      *prometheus.CounterVec
	DegradedMonitoring   prometheus.Counter
	QueuedEvents         prometheus.Gauge
	TransitionsTotal     *prometheus.CounterVec
	ChallengesTotal      *prometheus.CounterVec
	StaleSubmissions     prometheus.Counter
	ArtifactCaptureFails prometheus.Counter
	BackupDuration       prometheus.Histogram
	ActionsTotal         *prometheus.CounterVec
	AuditAppendErrors    prometheus.Counter
	BaselineMismatches   prometheus.Counter
	State                *prometheus.GaugeVec
}

// NewMetrics registers every metric on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		PortEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mjolnir_port_events_total",
			Help: "Port events observed, by action and trust class",
		}, []string{"action", "trust_class"}),
		DegradedMonitoring: factory.NewCounter(prometheus.CounterOpts{
			Name: "mjolnir_degraded_monitoring_total",
			Help: "Times the port monitor lost or dropped events",
		}),
		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mjolnir_queued_port_events",
			Help: "Untrusted port events waiting for the current cycle to finish",
		}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mjolnir_state_transitions_total",
			Help: "Security state transitions",
		}, []string{"from", "to"}),
		ChallengesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mjolnir_challenges_total",
			Help: "Authentication challenges by outcome",
		}, []string{"outcome"}),
		StaleSubmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "mjolnir_stale_submissions_total",
			Help: "Token presentations with no pending challenge",
		}),
		ArtifactCaptureFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "mjolnir_artifact_capture_failures_total",
			Help: "Artifacts that could not be captured during backup",
		}),
		BackupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mjolnir_backup_duration_seconds",
			Help:    "Time spent capturing emergency backups",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mjolnir_actions_total",
			Help: "Privileged actions by name and final status",
		}, []string{"action", "status"}),
		AuditAppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mjolnir_audit_append_errors_total",
			Help: "Failed audit appends (the orchestrator stalls until they succeed)",
		}),
		BaselineMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "mjolnir_baseline_mismatches_total",
			Help: "Artifacts whose digest differed from the stored baseline",
		}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mjolnir_security_state",
			Help: "1 for the current security state, 0 otherwise",
		}, []string{"state"}),
	}
}

// SetState flips the state gauge to the given state
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		if s == current {
			m.State.WithLabelValues(s).Set(1)
		} else {
			m.State.WithLabelValues(s).Set(0)
		}
	}
}
