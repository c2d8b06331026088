package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Session metrics
	SessionLogins      *prometheus.CounterVec
	SessionSignups     *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	DegradedSessions   prometheus.Counter
	SessionTransitions *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	SnapshotsDelivered  prometheus.Counter
	StreamErrors        prometheus.Counter

	// Write metrics
	WriteOperations *prometheus.CounterVec
	WriteLatency    *prometheus.HistogramVec
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		SessionLogins: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		SessionSignups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_signups_total",
			Help:      "Signup attempts by outcome",
		}, []string{"outcome"}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Whether an authenticated session is currently held",
		}),
		DegradedSessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "degraded_sessions_total",
			Help:      "Sessions synthesized while collaborators were unreachable",
		}),
		SessionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_transitions_total",
			Help:      "Session state machine transitions",
		}, []string{"state"}),

		SubscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriptions_active",
			Help:      "Currently open live view handles",
		}),
		SnapshotsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshots_delivered_total",
			Help:      "Snapshots fanned out to live view listeners",
		}),
		StreamErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_errors_total",
			Help:      "Errors delivered on live view error channels",
		}),

		WriteOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_operations_total",
			Help:      "Merge and append writes by operation and status",
		}, []string{"operation", "status"}),
		WriteLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_duration_seconds",
			Help:      "Time spent in document store writes",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
	}
}
