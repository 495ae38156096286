package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProbeAttempts counts login posts by outcome (success|bad_credentials|unavailable).
	ProbeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edxbridge_probe_attempts_total",
		Help: "Login attempts issued against the platform, by outcome",
	}, []string{"outcome"})

	// Reconciliations counts reconcile calls by result kind ("ok" on success).
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edxbridge_reconciliations_total",
		Help: "Account reconciliations, by result",
	}, []string{"result"})

	// LinksCreated counts newly minted access links.
	LinksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edxbridge_links_created_total",
		Help: "Access links minted",
	})

	// SessionRefreshes counts session re-acquisitions by trigger (absent|stale|expired).
	SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edxbridge_session_refreshes_total",
		Help: "Session material re-acquisitions, by trigger",
	}, []string{"trigger"})

	// DashboardFetches tracks proxied dashboard fetch latency by result.
	DashboardFetches = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edxbridge_dashboard_fetch_seconds",
		Help:    "Latency of authenticated dashboard fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// WebhookForwards counts forwarded course-completed webhooks by upstream status class.
	WebhookForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edxbridge_webhook_forwards_total",
		Help: "Course completion webhooks forwarded, by result",
	}, []string{"result"})
)

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }
