// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package config holds the storage server's knob bag: every tunable
// named by the design's configuration-knobs section, collected into one
// explicit record passed at construction rather than read from process
// globals.
package config

import "time"

// Config bundles every tunable knob for one storage server instance.
// There is exactly one Config per server; it is immutable after
// construction and threaded into every subsystem constructor.
type Config struct {
	// Engine knobs.
	MemtableBytes  int64
	BlockCacheSize int64
	PrefixLength   int

	// Fetcher knobs.
	FetchParallelism int
	FetchByteBudget  int64

	// Read semaphore knobs (soft/hard high-water marks).
	ReadQueueSoft int
	ReadQueueHard int

	// Timeouts.
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RangeTimeout        time.Duration
	FutureVersionWindow time.Duration

	// Update pipeline pacing.
	UpdateDelay time.Duration

	// Metrics.
	MetricsReportDelay  time.Duration
	HistogramSampleRate float64

	// Durability lag back-pressure.
	DurabilityLagSoftMax int64
	DurabilityLagHardMax int64
	DurabilityLagOverage int64

	// Watch budget for outstanding watch registrations.
	WatchByteBudget int64

	// Byte sampling for size-based shard split decisions.
	ByteSampleFactor   int64
	ByteSampleOverhead int64

	// MaxReadTransactionLifeVersions bounds how far behind `version` a
	// read may still be served from, and feeds desiredOldestVersion.
	MaxReadTransactionLifeVersions int64
}

// Default returns a Config with reasonable production defaults.
// Callers should override fields as appropriate rather than relying on
// these values in production.
func Default() Config {
	return Config{
		MemtableBytes:  64 << 20,
		BlockCacheSize: 1 << 30,
		PrefixLength:   0,

		FetchParallelism: 4,
		FetchByteBudget:  2 << 20,

		ReadQueueSoft: 2500,
		ReadQueueHard: 5000,

		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		RangeTimeout:        10 * time.Second,
		FutureVersionWindow: time.Second,

		UpdateDelay: time.Millisecond,

		MetricsReportDelay:  5 * time.Second,
		HistogramSampleRate: 0.1,

		DurabilityLagSoftMax: 200 << 20,
		DurabilityLagHardMax: 500 << 20,
		DurabilityLagOverage: 1 << 20,

		WatchByteBudget: 100 << 20,

		ByteSampleFactor:   250,
		ByteSampleOverhead: 100,

		MaxReadTransactionLifeVersions: 5_000_000,
	}
}
