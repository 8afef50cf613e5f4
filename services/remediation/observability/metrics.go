// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// remediation service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the failure
// remediation pipeline. Metrics include:
//   - Webhook ingestion counters (by source, outcome)
//   - Session lifecycle counters (created, resolved, expired)
//   - Queue counters (published, consumed, redelivered)
//   - Analysis latency histograms and fix attempt counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for remediation metrics
const remediationSubsystem = "remediation"

// Metrics holds all Prometheus metrics for the remediation service.
// Initialize once at startup via InitMetrics().
type Metrics struct {
	// WebhooksTotal counts webhook deliveries by source and outcome.
	// Labels: source (gitlab, sonarqube), outcome (created, deduped, ignored, rejected, error)
	WebhooksTotal *prometheus.CounterVec

	// SessionsTotal counts session lifecycle transitions.
	// Labels: session_type (pipeline, quality), event (created, resolved, expired)
	SessionsTotal *prometheus.CounterVec

	// QueueMessagesTotal counts queue traffic.
	// Labels: event_type, op (published, consumed, redelivered, skipped)
	QueueMessagesTotal *prometheus.CounterVec

	// AnalysisDurationSeconds measures one analysis turn end to end.
	// Labels: event_type, status (success, error, timeout)
	AnalysisDurationSeconds *prometheus.HistogramVec

	// FixAttemptsTotal counts fix attempt registrations.
	// Labels: outcome (registered, exhausted)
	FixAttemptsTotal *prometheus.CounterVec

	// FixCacheLookupsTotal counts fix cache queries.
	// Labels: outcome (hit, miss)
	FixCacheLookupsTotal *prometheus.CounterVec

	// ActiveWorkers tracks analysis workers currently processing a message.
	ActiveWorkers prometheus.Gauge
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		WebhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "webhooks_total",
				Help:      "Total webhook deliveries by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "sessions_total",
				Help:      "Total session lifecycle events by type",
			},
			[]string{"session_type", "event"},
		),

		QueueMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "queue_messages_total",
				Help:      "Total queue messages by event type and operation",
			},
			[]string{"event_type", "op"},
		),

		AnalysisDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "analysis_duration_seconds",
				Help:      "Duration of one analysis turn in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"event_type", "status"},
		),

		FixAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "fix_attempts_total",
				Help:      "Total fix attempt registrations by outcome",
			},
			[]string{"outcome"},
		),

		FixCacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "fix_cache_lookups_total",
				Help:      "Total fix cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: remediationSubsystem,
				Name:      "active_workers",
				Help:      "Analysis workers currently processing a message",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// Webhook outcome labels.
const (
	WebhookCreated  = "created"
	WebhookDeduped  = "deduped"
	WebhookIgnored  = "ignored"
	WebhookRejected = "rejected"
	WebhookError    = "error"
)

// RecordWebhook records one webhook delivery outcome.
func (m *Metrics) RecordWebhook(source, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(source, outcome).Inc()
}

// RecordSession records one session lifecycle event.
func (m *Metrics) RecordSession(sessionType, event string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(sessionType, event).Inc()
}

// RecordQueue records one queue operation.
func (m *Metrics) RecordQueue(eventType, op string) {
	if m == nil {
		return
	}
	m.QueueMessagesTotal.WithLabelValues(eventType, op).Inc()
}

// RecordAnalysis records the duration and status of one analysis turn.
func (m *Metrics) RecordAnalysis(eventType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.AnalysisDurationSeconds.WithLabelValues(eventType, status).Observe(seconds)
}

// RecordFixAttempt records a fix attempt registration outcome.
func (m *Metrics) RecordFixAttempt(outcome string) {
	if m == nil {
		return
	}
	m.FixAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordFixCacheLookup records whether the cache had suggestions.
func (m *Metrics) RecordFixCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.FixCacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

// WorkerDone decrements the active worker gauge.
func (m *Metrics) WorkerDone() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}
