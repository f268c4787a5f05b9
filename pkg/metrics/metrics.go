// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package metrics exposes the storage server's Prometheus instruments.
// A single Registry is constructed once per server and passed into
// every subsystem that needs it; nothing here is a package-level
// global, per the design's "no singletons" note.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric this storage server core emits. It wraps
// a prometheus.Registerer so a caller can supply their own (e.g. a
// sub-registry namespaced per store) instead of the global default.
type Registry struct {
	QueueSize             prometheus.Gauge
	BytesInput            prometheus.Counter
	BytesDurable          prometheus.Counter
	DurabilityLagVersions prometheus.Gauge
	FetchBytesTotal       prometheus.Counter
	FetchActive           prometheus.Gauge
	WatchCount            prometheus.Gauge
	ChangeFeedBacklog     *prometheus.GaugeVec
	ReadLatencySeconds    prometheus.Histogram
	ApplyLatencySeconds   prometheus.Histogram
	ErrorsTotal           *prometheus.CounterVec
}

// New constructs a Registry and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storageserver",
			Name:      "mutation_log_queue_bytes",
			Help:      "bytesInput - bytesDurable, the pending mutation log backlog.",
		}),
		BytesInput: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storageserver",
			Name:      "bytes_input_total",
			Help:      "Cumulative bytes appended to the mutation log.",
		}),
		BytesDurable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storageserver",
			Name:      "bytes_durable_total",
			Help:      "Cumulative bytes made durable by the durability loop.",
		}),
		DurabilityLagVersions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storageserver",
			Name:      "durability_lag_versions",
			Help:      "version - durableVersion.",
		}),
		FetchBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storageserver",
			Name:      "fetch_bytes_total",
			Help:      "Cumulative bytes pulled by the fetcher from peers.",
		}),
		FetchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storageserver",
			Name:      "fetch_active",
			Help:      "Number of shards currently in Adding/Fetching.",
		}),
		WatchCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storageserver",
			Name:      "watch_count",
			Help:      "Number of outstanding watch registrations.",
		}),
		ChangeFeedBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "storageserver",
			Name:      "change_feed_backlog",
			Help:      "In-memory mutation count per change feed.",
		}, []string{"feed_id"}),
		ReadLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "storageserver",
			Name:      "read_latency_seconds",
			Help:      "Latency of read path operations.",
			Buckets:   prometheus.DefBuckets,
		}),
		ApplyLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "storageserver",
			Name:      "apply_latency_seconds",
			Help:      "Latency of a single update pipeline apply step.",
			Buckets:   prometheus.DefBuckets,
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storageserver",
			Name:      "errors_total",
			Help:      "Count of errors surfaced to collaborators, by taxonomy code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.QueueSize, m.BytesInput, m.BytesDurable, m.DurabilityLagVersions,
		m.FetchBytesTotal, m.FetchActive, m.WatchCount, m.ChangeFeedBacklog,
		m.ReadLatencySeconds, m.ApplyLatencySeconds, m.ErrorsTotal,
	)
	return m
}

// NewUnregistered builds a Registry registered only into a fresh private
// prometheus registry, for unit tests that don't want to share a
// process-wide registry.
func NewUnregistered() *Registry {
	return New(prometheus.NewRegistry())
}
