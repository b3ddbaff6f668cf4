// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the Hearth bridge.
//
// # Description
//
// Metrics cover the retrieval pipeline end to end:
//   - Request counters (by endpoint and status)
//   - Per-stage latency histograms
//   - Fallback counters (by stage and reason code)
//   - Candidate and result set sizes
//   - Conversation memory sessions and enricher queue drops
//
// # Integration
//
// Metrics are exposed on /metrics. Use with Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const bridgeSubsystem = "hearth"

// BridgeMetrics holds all Prometheus metrics for the retrieval pipeline.
//
// Initialize once at startup via InitMetrics().
type BridgeMetrics struct {
	// RequestsTotal counts pipeline requests by endpoint and status.
	// Labels: endpoint (process_request, process_workflow), status
	// (full, degraded, empty, error)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (analyzer, rewriter, scope, expander, retriever,
	// reranker, formatter, total)
	StageDurationSeconds *prometheus.HistogramVec

	// FallbacksTotal counts routing and degradation decisions.
	// Labels: stage, reason (scope.rule_based, rewriter.skipped, ...)
	FallbacksTotal *prometheus.CounterVec

	// CandidateCount observes the size of the merged candidate set.
	CandidateCount prometheus.Histogram

	// ResultCount observes the size of the final reranked set.
	ResultCount prometheus.Histogram

	// MemorySessions tracks live conversation-memory sessions.
	MemorySessions prometheus.GaugeFunc

	// EnricherDropsTotal tracks snapshots dropped to enricher queue
	// pressure. Sampled from the enricher's own counter.
	EnricherDropsTotal prometheus.CounterFunc
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *BridgeMetrics

// InitMetrics creates and registers the bridge metrics.
//
// sessionCount and droppedCount are sampled lazily on scrape; pass the
// memory store's Len and the enricher's Dropped. Either may be nil.
// Panics if called twice (duplicate Prometheus registration).
func InitMetrics(sessionCount func() int, droppedCount func() int64) *BridgeMetrics {
	m := &BridgeMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "requests_total",
				Help:      "Total pipeline requests by endpoint and outcome",
			},
			[]string{"endpoint", "status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"stage"},
		),

		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "fallbacks_total",
				Help:      "Routing and degradation decisions by stage and reason",
			},
			[]string{"stage", "reason"},
		),

		CandidateCount: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "candidate_count",
				Help:      "Merged candidate set size before reranking",
				Buckets:   []float64{0, 5, 10, 20, 40, 80, 150},
			},
		),

		ResultCount: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "result_count",
				Help:      "Final reranked result set size",
				Buckets:   []float64{0, 5, 10, 20, 30, 50},
			},
		),
	}

	if sessionCount != nil {
		m.MemorySessions = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "memory_sessions",
				Help:      "Live conversation-memory sessions",
			},
			func() float64 { return float64(sessionCount()) },
		)
	}
	if droppedCount != nil {
		m.EnricherDropsTotal = promauto.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "enricher_drops_total",
				Help:      "Enrichment snapshots dropped to queue pressure",
			},
			func() float64 { return float64(droppedCount()) },
		)
	}

	DefaultMetrics = m
	return m
}

// RecordRequest records a completed request.
func (m *BridgeMetrics) RecordRequest(endpoint, status string) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordStages records every stage timing from a finished request.
func (m *BridgeMetrics) RecordStages(timings map[string]time.Duration) {
	for stage, d := range timings {
		m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordFallback records one diagnostics fallback.
func (m *BridgeMetrics) RecordFallback(stage, reason string) {
	m.FallbacksTotal.WithLabelValues(stage, reason).Inc()
}

// RecordSizes records the candidate and result set sizes.
func (m *BridgeMetrics) RecordSizes(candidates, results int) {
	m.CandidateCount.Observe(float64(candidates))
	m.ResultCount.Observe(float64(results))
}
