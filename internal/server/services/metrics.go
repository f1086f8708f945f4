package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectvault_submissions_total",
		Help: "Inspection submit attempts by outcome.",
	}, []string{"result"})

	signaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectvault_signatures_total",
		Help: "Signature requests by outcome.",
	}, []string{"result"})

	evidenceConfirmTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inspectvault_evidence_confirm_total",
		Help: "Evidence confirmation attempts by outcome.",
	}, []string{"result"})

	masonFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectvault_mason_failures_total",
		Help: "Advisory estimate calls that failed or timed out.",
	})

	packetEvidenceUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectvault_packet_evidence_unavailable_total",
		Help: "Evidence objects that could not be placed in a claim packet.",
	})

	diffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inspectvault_diff_duration_seconds",
		Help:    "Time to compute a condition diff including advisory estimates.",
		Buckets: prometheus.DefBuckets,
	})
)
