// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for experimentation ingestion metrics
const trackerSubsystem = "experiments"

// Metrics holds the tracker's Prometheus health metrics.
//
// # Description
//
// Asynchronous flush failures never reach Track callers, so these metrics
// are the only way they surface. Alert on flush_errors_total and
// events_dropped_total; watch buffer_size against its cap during store
// outages.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type Metrics struct {
	// EventsAccepted counts events admitted to the buffer.
	EventsAccepted prometheus.Counter

	// EventsRejected counts events failing validation.
	EventsRejected prometheus.Counter

	// EventsFlushed counts events persisted by successful flushes.
	EventsFlushed prometheus.Counter

	// EventsDropped counts events evicted under backpressure.
	EventsDropped prometheus.Counter

	// FlushErrors counts failed flush attempts.
	FlushErrors prometheus.Counter

	// SinkErrors counts failed sink exports.
	SinkErrors prometheus.Counter

	// BufferSize tracks events currently awaiting flush.
	BufferSize prometheus.Gauge

	// FlushDuration measures one flush transaction.
	FlushDuration prometheus.Histogram
}

// NewMetrics creates and registers tracker metrics on the given registerer.
//
// Inputs:
//   - reg: Target registry. Tests pass prometheus.NewRegistry() to avoid
//     duplicate-registration panics on the global registry.
//
// Outputs:
//   - *Metrics: The registered metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "events_accepted_total",
			Help:      "Events admitted to the ingestion buffer.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "events_rejected_total",
			Help:      "Events rejected by validation.",
		}),
		EventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "events_flushed_total",
			Help:      "Events persisted by successful flushes.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "events_dropped_total",
			Help:      "Events evicted under buffer backpressure.",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "flush_errors_total",
			Help:      "Failed flush attempts (retried internally).",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "sink_errors_total",
			Help:      "Failed exports to the external event sink.",
		}),
		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "buffer_size",
			Help:      "Events currently awaiting flush.",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: trackerSubsystem,
			Name:      "flush_duration_seconds",
			Help:      "Duration of one flush transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the singleton registered on the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
