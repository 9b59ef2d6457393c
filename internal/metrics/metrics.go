// Package metrics defines the Prometheus instrumentation for the
// control plane. Pass a *Metrics to components that need to record.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for opta-browser.
type Metrics struct {
	ActionsTotal        *prometheus.CounterVec
	ActionDuration      *prometheus.HistogramVec
	OpenSessions        prometheus.Gauge
	PolicyDecisions     *prometheus.CounterVec
	ApprovalEvents      *prometheus.CounterVec
	RetryAttemptsTotal  prometheus.Counter
	PruneRemovalsTotal  *prometheus.CounterVec
	CorpusRefreshes     prometheus.Counter
	CorpusRefreshErrors prometheus.Counter
	AdaptationEscalated prometheus.Gauge
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "actions_total",
				Help:      "Total browser actions executed",
			},
			[]string{"type", "outcome"}, // outcome=ok/error
		),
		ActionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "opta_browser",
				Name:      "action_duration_seconds",
				Help:      "Browser action duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		OpenSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "opta_browser",
				Name:      "open_sessions",
				Help:      "Number of currently open sessions",
			},
		),
		PolicyDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "policy_decisions_total",
				Help:      "Total policy evaluations by decision",
			},
			[]string{"decision"}, // allow/gate/deny
		),
		ApprovalEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "approval_events_total",
				Help:      "Total approval log events by decision",
			},
			[]string{"decision"}, // approved/denied
		),
		RetryAttemptsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "retry_attempts_total",
				Help:      "Total retried action attempts",
			},
		),
		PruneRemovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "prune_removals_total",
				Help:      "Total directories removed by retention pruning",
			},
			[]string{"target"}, // profiles/artifacts/approval-log
		),
		CorpusRefreshes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "corpus_refreshes_total",
				Help:      "Total run-corpus refreshes",
			},
		),
		CorpusRefreshErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "opta_browser",
				Name:      "corpus_refresh_errors_total",
				Help:      "Total failed run-corpus refreshes",
			},
		),
		AdaptationEscalated: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "opta_browser",
				Name:      "adaptation_escalated",
				Help:      "1 when the current adaptation hint escalates risk",
			},
		),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests
// and callers that do not export.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
