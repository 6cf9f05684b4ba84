// Package metrics holds the Prometheus collectors for the batch manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsSubmitted counts accepted submissions per model.
	RequestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obm_requests_submitted_total",
		Help: "Accepted request submissions.",
	}, []string{"model"})

	// BatchTransitions counts batch state transitions.
	BatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obm_batch_transitions_total",
		Help: "Batch state machine transitions.",
	}, []string{"from", "to"})

	// ProviderCalls counts provider API calls by operation and outcome.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obm_provider_calls_total",
		Help: "Provider API calls.",
	}, []string{"op", "outcome"})

	// Deliveries counts delivery attempts by outcome.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obm_deliveries_total",
		Help: "Per-request delivery attempts.",
	}, []string{"outcome"})

	// JobsProcessed counts job queue executions by kind and result.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obm_jobs_processed_total",
		Help: "Job queue executions.",
	}, []string{"kind", "result"})

	// BatchesWaitingForCapacity gauges batches parked per model.
	BatchesWaitingForCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obm_batches_waiting_for_capacity",
		Help: "Batches in waiting_for_capacity per model.",
	}, []string{"model"})
)
