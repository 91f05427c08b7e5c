/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the execution backbone.
//
// All metrics are registered with the default registry and served by the
// app node's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - supercheck_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SubmissionsTotal counts admission decisions by test type and outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supercheck_submissions_total",
			Help: "Total run submissions by test type and admission outcome.",
		},
		[]string{"test_type", "outcome"},
	)

	// RunsCompletedTotal counts runs reaching a terminal status.
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supercheck_runs_completed_total",
			Help: "Total runs by test type and terminal status.",
		},
		[]string{"test_type", "status"},
	)

	// RunDurationSeconds is a histogram of run duration by test type.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supercheck_run_duration_seconds",
			Help:    "Duration of runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"test_type"},
	)

	// QueueDepth is the ready+delayed+in-flight size per queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supercheck_queue_depth",
			Help: "Jobs in a queue across ready, delayed and in-flight sets.",
		},
		[]string{"queue"},
	)

	// SSESubscribers is the number of open SSE connections per endpoint family.
	SSESubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supercheck_sse_subscribers",
			Help: "Open SSE connections by endpoint family.",
		},
		[]string{"endpoint"},
	)

	// DroppedEventsTotal counts events dropped on a full subscriber buffer.
	DroppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supercheck_dropped_events_total",
			Help: "Total lifecycle events dropped on subscriber overflow.",
		},
		[]string{"component"},
	)

	// UsageDenialsTotal counts credit consumptions rejected at the allowance.
	UsageDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supercheck_usage_denials_total",
			Help: "Total credit consumptions denied by the usage ledger.",
		},
	)

	// CancellationsTotal counts cancel flags raised.
	CancellationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supercheck_cancellations_total",
			Help: "Total cancel signals raised.",
		},
	)

	// StalledReclaimsTotal counts visibility-timeout reclaims per queue.
	StalledReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supercheck_stalled_reclaims_total",
			Help: "Total jobs reclaimed after a missed visibility deadline.",
		},
		[]string{"queue"},
	)

	// ActiveRuns is the number of runs currently executing on this worker.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supercheck_active_runs",
			Help: "Number of runs currently executing on this worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SubmissionsTotal,
		RunsCompletedTotal,
		RunDurationSeconds,
		QueueDepth,
		SSESubscribers,
		DroppedEventsTotal,
		UsageDenialsTotal,
		CancellationsTotal,
		StalledReclaimsTotal,
		ActiveRuns,
	)
}

// RecordSubmission records a single admission decision.
func RecordSubmission(testType, outcome string) {
	SubmissionsTotal.WithLabelValues(testType, outcome).Inc()
}

// RecordRunComplete records metrics for a run reaching a terminal status.
func RecordRunComplete(testType, status string, duration time.Duration) {
	RunsCompletedTotal.WithLabelValues(testType, status).Inc()
	RunDurationSeconds.WithLabelValues(testType).Observe(duration.Seconds())
}

// RecordDrop records a single lifecycle event dropped on overflow.
func RecordDrop(component string) {
	DroppedEventsTotal.WithLabelValues(component).Inc()
}

// RecordStalledReclaim records jobs reclaimed from a queue's in-flight set.
func RecordStalledReclaim(queue string, n int) {
	StalledReclaimsTotal.WithLabelValues(queue).Add(float64(n))
}

// RecordQueueDepth records the sampled depth of one queue.
func RecordQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
