// Package obsmetrics holds the core engine's Prometheus instrumentation:
// package-level collectors registered once via promauto, plus small Record*
// functions engines call directly rather than threading a metrics
// collaborator through every constructor.
package obsmetrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	diffsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_diffs_emitted_total",
		Help: "Total property/list mutations that produced a diff (post-suspension-check).",
	}, []string{"target"})

	callbacksDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_callbacks_delivered_total",
		Help: "Total outbound subscription callbacks attempted, by outcome.",
	}, []string{"outcome"}) // delivered | failed

	callbacksSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_callbacks_suppressed_total",
		Help: "Outbound callbacks suppressed entirely by the permission filter (all keys denied).",
	})

	callbacksRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_callbacks_rejected_total",
		Help: "Inbound callbacks rejected by the processor's back-pressure limit (pending queue full).",
	})

	gapTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_gap_timeouts_total",
		Help: "Inbound subscriptions promoted to resync after a gap-timeout.",
	})

	trustTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_trust_transitions_total",
		Help: "Trust lifecycle transitions, by event.",
	}, []string{"event"}) // create | verify | approve | modify | delete

	syncOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_sync_outcomes_total",
		Help: "Pull-based sync reconciliation outcomes, by result.",
	}, []string{"outcome"}) // processed | peer_not_found | trust_revoked | error

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_http_requests_total",
		Help: "Inbound actor-to-actor HTTP requests by method, path, and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actingweb_http_request_duration_seconds",
		Help:    "Inbound request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordDiffEmitted records one diff registration call reaching the
// subscription fan-out (i.e. the mutation was not suspended).
func RecordDiffEmitted(target string) { diffsEmittedTotal.WithLabelValues(target).Inc() }

// RecordCallbackDelivery records the outcome of one outbound callback POST.
func RecordCallbackDelivery(ok bool) {
	if ok {
		callbacksDeliveredTotal.WithLabelValues("delivered").Inc()
		return
	}
	callbacksDeliveredTotal.WithLabelValues("failed").Inc()
}

// RecordCallbackSuppressed records a callback suppressed by the permission
// filter (every top-level key denied).
func RecordCallbackSuppressed() { callbacksSuppressedTotal.Inc() }

// RecordCallbackRejected records an inbound callback rejected for
// back-pressure (pending queue at max_pending).
func RecordCallbackRejected() { callbacksRejectedTotal.Inc() }

// RecordGapTimeout records a subscription promoted to resync after a
// gap-timeout.
func RecordGapTimeout() { gapTimeoutsTotal.Inc() }

// RecordTrustTransition records a trust lifecycle event.
func RecordTrustTransition(event string) { trustTransitionsTotal.WithLabelValues(event).Inc() }

// RecordSyncOutcome records one sync_subscription/sync_peer result.
func RecordSyncOutcome(outcome string) { syncOutcomesTotal.WithLabelValues(outcome).Inc() }

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics for the inbound actor-to-actor HTTP surface.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler returns a Gin handler serving the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
