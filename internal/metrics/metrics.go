// Package metrics exposes Prometheus counters for engine activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DecisionsEvaluated counts block/allow decisions computed.
var DecisionsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_decisions_evaluated_total",
	Help: "Number of block/allow decisions computed.",
})

// BlocksShown counts overlay show transitions.
var BlocksShown = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_blocks_shown_total",
	Help: "Number of times the block overlay was shown.",
})

// AppAttempts counts foreground changes into blocked packages.
var AppAttempts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_app_attempts_total",
	Help: "Number of foreground changes that hit a blocked package.",
})

// EventsPublished counts events fanned out on the bus.
var EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_events_published_total",
	Help: "Number of domain events published on the event bus.",
})

// PersistFailures counts failed durable writes of the session set.
var PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_persist_failures_total",
	Help: "Number of failed session-set persistence attempts.",
})

// ExpiryWakeups counts deferred expiry timer firings.
var ExpiryWakeups = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sessiond_expiry_wakeups_total",
	Help: "Number of deferred expiry wake-ups delivered.",
})
