package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_settlements_total",
		Help: "Settlement attempts by outcome (completed, failed, duplicate).",
	}, []string{"outcome"})

	transferCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onramp_venue_transfer_calls_total",
		Help: "Transfer requests actually sent to the settlement venue.",
	})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onramp_refunds_total",
		Help: "Compensating refund attempts by result (issued, failed).",
	}, []string{"result"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "onramp_settlement_duration_seconds",
		Help:    "Wall time of a full settlement attempt.",
		Buckets: prometheus.DefBuckets,
	})

	availableForOnramp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onramp_available_headroom_units",
		Help: "Venue balance minus in-flight exposure, in stablecoin minor units.",
	})

	stuckProcessingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onramp_stuck_processing_intents",
		Help: "Intents sitting in processing past the reconciliation threshold.",
	})
)
