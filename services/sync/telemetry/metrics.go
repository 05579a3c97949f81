// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides Prometheus metrics for the sync core.
//
// All metrics use the "sync_" prefix. The registry is injected so
// tests can use a private one and the control API can expose the
// process default.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pre-defined metrics for the sync service.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// CommitsTotal counts Iron Gate commits by entity kind and outcome.
	CommitsTotal *prometheus.CounterVec

	// RecordsCommitted counts records written per commit source label.
	RecordsCommitted *prometheus.CounterVec

	// ValidationDropsTotal counts records dropped from a batch by the
	// schema check.
	ValidationDropsTotal *prometheus.CounterVec

	// ConflictsTotal counts conflicts detected, by conflict type.
	ConflictsTotal *prometheus.CounterVec

	// ResolutionsTotal counts executed conflict resolutions by choice.
	ResolutionsTotal *prometheus.CounterVec

	// HydrationGateDuration records per-gate hydration duration.
	HydrationGateDuration *prometheus.HistogramVec

	// SyncBatchesTotal counts push/pull batches by direction and outcome.
	SyncBatchesTotal *prometheus.CounterVec

	// SyncBatchDuration records batch round-trip duration by direction.
	SyncBatchDuration *prometheus.HistogramVec

	// SyncBackoffSeconds reports the current adaptive inter-batch delay.
	SyncBackoffSeconds *prometheus.GaugeVec

	// CircuitBreakerTrips counts pull circuit-breaker activations.
	CircuitBreakerTrips prometheus.Counter

	// RealtimeEventsTotal counts inbound realtime events by type and
	// how they were applied.
	RealtimeEventsTotal *prometheus.CounterVec
}

// NewMetrics registers every sync metric on the given registerer.
//
// Inputs:
//
//	reg - Prometheus registerer. Tests pass prometheus.NewRegistry().
//
// Outputs:
//
//	*Metrics - Ready-to-use metrics.
//	error - Non-nil if a metric collides with an existing registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_commits_total",
			Help: "Iron Gate commits by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RecordsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_records_committed_total",
			Help: "Records written to the local store per source.",
		}, []string{"source"}),
		ValidationDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_validation_drops_total",
			Help: "Records dropped from commit batches by schema validation.",
		}, []string{"kind"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_conflicts_total",
			Help: "Conflicts detected, by type.",
		}, []string{"type"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_resolutions_total",
			Help: "Executed conflict resolutions, by choice.",
		}, []string{"choice"}),
		HydrationGateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_hydration_gate_duration_seconds",
			Help:    "Duration of each hydration gate.",
			Buckets: prometheus.DefBuckets,
		}, []string{"gate", "outcome"}),
		SyncBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Push/pull batches, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		SyncBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Round-trip duration of push/pull batches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		SyncBackoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_backoff_seconds",
			Help: "Current adaptive inter-batch delay.",
		}, []string{"direction"}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_pull_circuit_breaker_trips_total",
			Help: "Pull loop circuit-breaker activations.",
		}),
		RealtimeEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_realtime_events_total",
			Help: "Inbound realtime events, by event type and disposition.",
		}, []string{"event", "disposition"}),
	}

	collectors := []prometheus.Collector{
		m.CommitsTotal, m.RecordsCommitted, m.ValidationDropsTotal,
		m.ConflictsTotal, m.ResolutionsTotal, m.HydrationGateDuration,
		m.SyncBatchesTotal, m.SyncBatchDuration, m.SyncBackoffSeconds,
		m.CircuitBreakerTrips, m.RealtimeEventsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewTestMetrics returns metrics on a private registry, for tests.
func NewTestMetrics() *Metrics {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}
