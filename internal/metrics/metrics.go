package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_modlog_correlations_total",
			Help: "Audit-log correlations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AuditFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_modlog_audit_fetch_total",
			Help: "Audit-log fetches by kind and status",
		},
		[]string{"kind", "status"},
	)

	PredicateTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_modlog_predicate_timeouts_total",
			Help: "Subscriber predicates that did not answer before the fan-out timeout",
		},
		[]string{"kind"},
	)

	PredicateFanout = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_modlog_predicate_fanout_seconds",
			Help:    "Time spent evaluating subscriber predicates",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"kind"},
	)

	ActionLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_modlog_actionlog_writes_total",
			Help: "Action-log version writes by status",
		},
		[]string{"status"},
	)

	// LiveVersionViolations counts writes that superseded more than one live row.
	LiveVersionViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_modlog_actionlog_live_violations_total",
			Help: "Action-log updates that found more than one live version",
		},
	)
)
