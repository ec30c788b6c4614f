package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook events by gateway type and what happened to them
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_webhook_events_total",
			Help: "Payment webhook events received",
		},
		[]string{"type", "outcome"}, // outcome: applied/noop/duplicate/ignored/error
	)

	// Access record transitions by resulting status
	AccessTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_access_transitions_total",
			Help: "Access record state transitions",
		},
		[]string{"status"},
	)

	// Lost match races
	LockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "premarket_lock_conflicts_total",
			Help: "Match attempts that lost the request lock to another agent",
		},
	)

	// Gateway pulls by trigger and result
	ReconcilePulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_reconcile_pulls_total",
			Help: "Payment intent reconciliation pulls",
		},
		[]string{"trigger", "result"}, // trigger: read/admin/sweep
	)

	// Swallowed notification failures per sink
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_notification_failures_total",
			Help: "Notifications that failed to send",
		},
		[]string{"sink"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
