package relay

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tidemark-net/tidemark/metrics"
)

const subsystem = "relay"

var (
	connectionsGauge = metrics.NewGauge(
		"connections", subsystem, "Open client connections.", nil)
	subscriptionsGauge = metrics.NewGauge(
		"subscriptions", subsystem, "Live subscriptions across all connections.", nil)
	reconcileSessionsGauge = metrics.NewGauge(
		"reconcile_sessions", subsystem, "Open reconciliation sessions.", nil)

	eventsStored = metrics.NewCounter(
		"events_stored_total", subsystem, "Events accepted and written to storage.", nil)
	eventsRejected = metrics.NewCounter(
		"events_rejected_total", subsystem, "Events rejected by the policy pipeline.", []string{"reason"})
	eventsShadowed = metrics.NewCounter(
		"events_shadowed_total", subsystem, "Events acknowledged but silently discarded.", nil)
	eventsBroadcast = metrics.NewCounter(
		"events_broadcast_total", subsystem, "Event frames fanned out to live subscriptions.", nil)
	queueOverflows = metrics.NewCounter(
		"queue_overflows_total", subsystem, "Connections dropped over a full outbound queue.", nil)

	queryDuration = metrics.NewHistogramWithBuckets(
		"query_duration_seconds", subsystem, "Latency of stored-event queries.",
		[]string{"query"}, prometheus.ExponentialBuckets(0.001, 2, 12))
)

// reasonClass extracts the machine-readable prefix of a rejection reason so
// the metric label stays low-cardinality.
func reasonClass(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return "other"
}
