package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emailsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skymail",
			Name:      "emails_processed_total",
			Help:      "Recipients handled by batch sends, by result.",
		},
		[]string{"provider", "result"}, // sent, failed, skipped, in_flight, throttled
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skymail",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of delivery provider calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	campaignsEnqueuedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skymail",
			Name:      "scheduler_campaigns_enqueued_total",
			Help:      "Due campaigns handed to the orchestrator.",
		},
	)

	campaignsFinalizedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skymail",
			Name:      "campaigns_finalized_total",
			Help:      "Campaigns closed by the orchestrator, by status.",
		},
		[]string{"status"},
	)
)
