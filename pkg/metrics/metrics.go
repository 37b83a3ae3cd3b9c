// Package metrics exposes prometheus instrumentation for the runtime.
// Collectors are registered on a caller-supplied registry so tests can use
// isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the runtime's prometheus collectors.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	HandlerFailures  prometheus.Counter
	StepsExecuted    *prometheus.CounterVec
	StepRetries      prometheus.Counter
	ActiveTasks      prometheus.Gauge
	OverallHealth    prometheus.Gauge
	OracleCalls      *prometheus.CounterVec
	PermissionWaits  prometheus.Histogram
	AuditEntries     prometheus.Counter
	RoutingCacheHits *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_events_published_total",
			Help: "Bus events published, by event type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aide_events_dropped_total",
			Help: "Bus events dropped due to full subscriber queues.",
		}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aide_handler_failures_total",
			Help: "Subscriber handler invocations that returned an error.",
		}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_steps_executed_total",
			Help: "Plan steps reaching a terminal status, by outcome.",
		}, []string{"outcome"}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aide_step_retries_total",
			Help: "Step retry attempts.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aide_active_tasks",
			Help: "Non-terminal tasks currently registered.",
		}),
		OverallHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aide_overall_health",
			Help: "Worst component status: 0 healthy, 1 degraded, 2 unhealthy, 3 critical.",
		}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_oracle_calls_total",
			Help: "Language oracle invocations, by operation and result.",
		}, []string{"op", "result"}),
		PermissionWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aide_permission_wait_seconds",
			Help:    "Time permission waiters spent blocked.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		AuditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aide_audit_entries_total",
			Help: "Audit entries appended.",
		}),
		RoutingCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_routing_cache_total",
			Help: "Routing classifier lookups, by source (exact, similar, oracle).",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.EventsPublished, m.EventsDropped, m.HandlerFailures,
		m.StepsExecuted, m.StepRetries, m.ActiveTasks, m.OverallHealth,
		m.OracleCalls, m.PermissionWaits, m.AuditEntries, m.RoutingCacheHits,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry. Components
// treat a nil *Metrics as "no instrumentation"; NewNop is for tests that want
// non-nil collectors without global registration.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
