// ABOUTME: Prometheus counters for queue and webhook activity
// ABOUTME: registered once on the default registry, served at the configured metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesEnqueued counts messages accepted into the queue per backend.
	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_enqueued_total",
		Help: "Messages accepted into the delivery queue.",
	}, []string{"backend_bot_id"})

	// MessagesDeduplicated counts enqueue attempts dropped by the dedupe key.
	MessagesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_deduplicated_total",
		Help: "Enqueue attempts dropped because the message was already ingested.",
	})

	// DeliveriesLeased counts deliveries handed out under a lease.
	DeliveriesLeased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_leased_total",
		Help: "Deliveries handed out to backends under a lease.",
	}, []string{"backend_bot_id"})

	// DeliveriesAcked counts deliveries acknowledged by backends.
	DeliveriesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_acked_total",
		Help: "Deliveries acknowledged as processed.",
	}, []string{"backend_bot_id"})

	// DeliveriesNacked counts deliveries returned to the queue by backends.
	DeliveriesNacked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_nacked_total",
		Help: "Deliveries returned to the queue before their lease expired.",
	}, []string{"backend_bot_id"})

	// LeasesReaped counts leases reclaimed after expiry.
	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_leases_reaped_total",
		Help: "Expired leases reclaimed by the background reaper.",
	})

	// WebhookDeliveries counts webhook nudge attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhook_deliveries_total",
		Help: "Webhook nudge POST attempts by outcome.",
	}, []string{"backend_bot_id", "outcome"})
)

// Webhook outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)
