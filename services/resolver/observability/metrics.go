// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus instruments for the
// resolver service. Instruments are registered once via promauto and
// shared through the Metrics() singleton.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aleutian"

// ResolverMetrics bundles every instrument the resolution pipeline and
// its HTTP surface record into.
type ResolverMetrics struct {
	// ResolutionsTotal counts terminal outcomes per tenant.
	// Outcomes: resolved, blocked, escalated, errored.
	ResolutionsTotal *prometheus.CounterVec

	// ResolutionDuration observes wall-clock turn duration by outcome.
	ResolutionDuration *prometheus.HistogramVec

	// PolicyViolationsTotal counts violations by phase and policy type.
	PolicyViolationsTotal *prometheus.CounterVec

	// CacheRequestsTotal counts cache lookups by result (hit, miss, error).
	CacheRequestsTotal *prometheus.CounterVec

	// GenerationTokensTotal counts tokens consumed by generation.
	GenerationTokensTotal prometheus.Counter

	// StreamEventsTotal counts streamed events by type.
	StreamEventsTotal *prometheus.CounterVec

	// RetrievalChunks observes how many chunks each retrieval returned.
	RetrievalChunks prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *ResolverMetrics
)

// Metrics returns the process-wide instrument set, registering it on
// first use.
func Metrics() *ResolverMetrics {
	metricsOnce.Do(func() {
		metrics = newResolverMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

func newResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	factory := promauto.With(reg)
	return &ResolverMetrics{
		ResolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Terminal resolution outcomes by tenant and outcome.",
		}, []string{"tenant_id", "outcome"}),
		ResolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Wall-clock duration of one resolution turn.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		PolicyViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "policy_violations_total",
			Help:      "Policy violations by pipeline phase and policy type.",
		}, []string{"phase", "policy_type"}),
		CacheRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_requests_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		GenerationTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "generation_tokens_total",
			Help:      "Total tokens reported by the generation backend.",
		}),
		StreamEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "stream_events_total",
			Help:      "Streamed resolution events by event type.",
		}, []string{"type"}),
		RetrievalChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "retrieval_chunks",
			Help:      "Chunks returned per retrieval call.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
	}
}
