// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package fetch implements the Fetcher: pulling a key range and its
// overlapping change feeds from a peer server up to a chosen fetch
// version, writing the result into the engine, and handing off to the
// update pipeline once it is durable.
package fetch

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
)

// Outcome classifies how a Run call ended.
type Outcome int

const (
	// Completed means the whole range was streamed, made durable, and
	// handed to the injector.
	Completed Outcome = iota
	// Split means backpressure forced Run to stop partway:
	// [r.Begin, SplitAt) has been written, [SplitAt, r.End) has not,
	// and nothing has been injected. The server's fetch loop leaves the
	// shard AddingFetching and re-fetches the whole range on a later
	// pass; it does not publish the prefix on its own.
	Split
	// Aborted means Run stopped on an error after it began streaming
	// (byte budget, engine write, change-feed fetch, injection request,
	// or cancellation while waiting for durability); the error is
	// returned with it. Run does not erase the blocks it already wrote.
	Aborted
)

// ByteSampler records a key/value pair into the byte-sampling map,
// consulted without importing pkg/readpath to keep the dependency
// narrow and one-directional.
type ByteSampler interface {
	Sample(key []byte, valueLen int)
}

// ChangeFeedFetcher runs the change-feed fetcher for every feed
// overlapping a range as of a fetch version.
type ChangeFeedFetcher interface {
	FetchOverlapping(ctx context.Context, begin, end []byte, atVersion version.V) error
}

// Injector is the update pipeline's handoff surface: it grants the
// Fetcher a version at which its queued tail will be applied, and
// accepts that tail once the Fetcher has finished streaming.
type Injector interface {
	RequestInjection(ctx context.Context, r shard.Range) (transferredVersion version.V, err error)
	PushQueued(transferredVersion version.V, mutations []collab.Mutation)
}

// Deps bundles the Fetcher's external collaborators, all narrow
// interfaces so a test can supply minimal doubles.
type Deps struct {
	Engine      engine.Engine
	Versions    *version.Tracker
	Peer        collab.PeerStorageServer
	Parallelism *Semaphore
	Bytes       *ByteBudget
	Sampler     ByteSampler
	ChangeFeeds ChangeFeedFetcher
	Injector    Injector
	Metrics     *metrics.Registry

	// Backpressure reports whether the mutation log is currently over
	// its hard ceiling; consulted between blocks to decide whether to
	// split the fetch rather than keep streaming.
	Backpressure func() bool
}

// Fetcher runs one shard's transfer.
type Fetcher struct {
	deps Deps
}

// New returns a Fetcher using deps.
func New(deps Deps) *Fetcher {
	return &Fetcher{deps: deps}
}

// Result reports how Run ended.
type Result struct {
	Outcome            Outcome
	FetchVersion       version.V
	SplitAt            []byte
	TransferredVersion version.V
	BytesWritten       int64
}

// Run executes the Fetcher's full protocol for shard range r, backed by
// physical column family cf, given the version at which this range (or
// its predecessor) was last marked available, and the shard's current
// queue of updates accumulated while it was Adding.
func (f *Fetcher) Run(ctx context.Context, cf engine.ColumnFamily, r shard.Range, lastAvailable version.V, queued []collab.Mutation) (Result, error) {
	if !f.deps.Versions.WaitForDurableVersion(lastAvailable+1, ctx.Done()) {
		return Result{}, errors.Wrap(ctx.Err(), "fetch: cancelled waiting for durable prefix")
	}

	if err := f.deps.Parallelism.Acquire(ctx); err != nil {
		return Result{}, errors.Wrap(err, "fetch: acquiring parallelism token")
	}
	defer f.deps.Parallelism.Release()

	fetchVersion := f.deps.Versions.Version()

	kvCh, err := f.deps.Peer.GetRange(ctx, r.Begin, r.End, fetchVersion)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetch: requesting range from peer")
	}

	var bytesWritten int64
	lastKey := append([]byte{}, r.Begin...)
	for block := range kvCh {
		if len(block) == 0 {
			continue
		}
		blockBytes := blockCost(block)
		if err := f.deps.Bytes.Acquire(ctx, blockBytes); err != nil {
			return Result{Outcome: Aborted, FetchVersion: fetchVersion, SplitAt: lastKey, BytesWritten: bytesWritten},
				errors.Wrap(err, "fetch: acquiring byte budget")
		}

		b := f.deps.Engine.NewBatch()
		for _, kv := range block {
			b.Set(cf, kv.Key, kv.Value)
			if f.deps.Sampler != nil {
				f.deps.Sampler.Sample(kv.Key, len(kv.Value))
			}
		}
		writeErr := f.deps.Engine.WriteBatch(ctx, b, engine.WriteOptions{Sync: true})
		f.deps.Bytes.Release(blockBytes)
		if writeErr != nil {
			return Result{Outcome: Aborted, FetchVersion: fetchVersion, SplitAt: lastKey, BytesWritten: bytesWritten},
				errors.Wrap(writeErr, "fetch: writing block to engine")
		}

		bytesWritten += blockBytes
		lastKey = append([]byte{}, block[len(block)-1].Key...)

		if f.deps.Backpressure != nil && f.deps.Backpressure() {
			succ := append(append([]byte{}, lastKey...), 0x00)
			return Result{Outcome: Split, FetchVersion: fetchVersion, SplitAt: succ, BytesWritten: bytesWritten}, nil
		}
	}

	if f.deps.ChangeFeeds != nil {
		if err := f.deps.ChangeFeeds.FetchOverlapping(ctx, r.Begin, r.End, fetchVersion); err != nil {
			return Result{Outcome: Aborted, FetchVersion: fetchVersion, SplitAt: r.Begin, BytesWritten: bytesWritten},
				errors.Wrap(err, "fetch: fetching overlapping change feeds")
		}
	}

	if !f.deps.Versions.WaitForDurableVersion(fetchVersion, ctx.Done()) {
		return Result{Outcome: Aborted, FetchVersion: fetchVersion, BytesWritten: bytesWritten},
			errors.Wrap(ctx.Err(), "fetch: cancelled waiting for fetch version to become durable")
	}

	transferredVersion, err := f.deps.Injector.RequestInjection(ctx, r)
	if err != nil {
		return Result{Outcome: Aborted, FetchVersion: fetchVersion, BytesWritten: bytesWritten},
			errors.Wrap(err, "fetch: requesting injection slot")
	}
	f.deps.Injector.PushQueued(transferredVersion, queued)

	if !f.deps.Versions.WaitForDurableVersion(transferredVersion, ctx.Done()) {
		return Result{Outcome: Aborted, FetchVersion: fetchVersion, TransferredVersion: transferredVersion, BytesWritten: bytesWritten},
			errors.Wrap(ctx.Err(), "fetch: cancelled waiting for transferred version to become durable")
	}

	return Result{
		Outcome:            Completed,
		FetchVersion:       fetchVersion,
		TransferredVersion: transferredVersion,
		BytesWritten:       bytesWritten,
	}, nil
}

func blockCost(block []collab.KeyValue) int64 {
	var n int64
	for _, kv := range block {
		n += int64(len(kv.Key) + len(kv.Value))
	}
	return n
}
