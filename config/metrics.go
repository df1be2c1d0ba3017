package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Background-job metrics. Request-level metrics stay out of the engine; the
// dispatcher and the expiry sweep are the long-lived loops worth watching.
var (
	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_outbox_published_total",
		Help: "Outbox events published to Pub/Sub, by outcome.",
	}, []string{"outcome"})

	OutboxDeadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_outbox_dead_total",
		Help: "Outbox events moved to the dead-letter store.",
	})

	OutboxPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inventory_outbox_pending",
		Help: "Outbox events awaiting dispatch at last poll.",
	})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservations_expired_total",
		Help: "Reservations transitioned to EXPIRED by the sweep.",
	})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_expiry_sweep_runs_total",
		Help: "Expiry sweep executions, by outcome.",
	}, []string{"outcome"})
)
