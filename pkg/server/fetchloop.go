// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package server

import (
	"context"
	"time"

	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/fetch"
	"github.com/shardkv/storageserver/pkg/logutil"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
)

// fetchLoop periodically scans the shard map for ranges awaiting a
// transfer and starts one Fetcher.Run per range not already in flight.
func (s *Server) fetchLoop(ctx context.Context) error {
	if s.deps.Peer == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.idleDelay())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.dispatchFetches(ctx)
	}
}

func fetchKey(r shard.Range) string { return string(r.Begin) + "\x00" + string(r.End) }

func (s *Server) dispatchFetches(ctx context.Context) {
	snap := s.shards.Snapshot()
	for _, d := range snap.All() {
		if d.State != shard.AddingFetching {
			continue
		}
		key := fetchKey(d.Range)

		s.fetchMu.Lock()
		_, inFlight := s.fetchInFlight[key]
		if !inFlight {
			s.fetchInFlight[key] = s.versions.DurableVersion()
		}
		lastAvailable := s.fetchInFlight[key]
		s.fetchMu.Unlock()
		if inFlight {
			continue
		}

		s.wg.Add(1)
		go func(d shard.DataShard) {
			defer s.wg.Done()
			s.runFetch(ctx, d, lastAvailable, key)
		}(d)
	}
}

func (s *Server) runFetch(ctx context.Context, d shard.DataShard, lastAvailable version.V, key string) {
	defer func() {
		s.fetchMu.Lock()
		delete(s.fetchInFlight, key)
		s.fetchMu.Unlock()
	}()

	snap := s.shards.Snapshot()
	cf, ok := snap.PhysicalCF(d.PhysicalID)
	if !ok {
		return
	}
	queued := s.pipeline.TakeQueuedUpdates(d.Range)

	result, err := s.fetcher.Run(ctx, cf, d.Range, lastAvailable, queued)
	if err != nil {
		s.deps.Logger.Errorf(ctxWithServerTag(ctx, s.deps.ID), "fetch of %s..%s failed: %v", logutil.SafeKey(d.Range.Begin), logutil.SafeKey(d.Range.End), err)
		return
	}
	if err := s.applyFetchResult(ctx, d, result); err != nil {
		s.deps.Logger.Errorf(ctxWithServerTag(ctx, s.deps.ID), "applying fetch result for %s..%s failed: %v", logutil.SafeKey(d.Range.Begin), logutil.SafeKey(d.Range.End), err)
	}
}

// applyFetchResult transitions the shard map according to how a fetch
// ended. Split is left for a later fetchLoop pass to retry in full:
// pkg/shard has no primitive to hand a sub-range of an existing
// physical shard a fresh state without either re-keying its physical
// id or losing the association between the already-written bytes and
// their column family, so rather than risk orphaning data this leaves
// the shard AddingFetching and lets the next dispatch re-stream it,
// which is safe since re-applying the same keys is idempotent.
func (s *Server) applyFetchResult(ctx context.Context, d shard.DataShard, result fetch.Result) error {
	if result.Outcome == fetch.Split {
		return nil
	}

	b := s.deps.Engine.NewBatch()
	switch result.Outcome {
	case fetch.Completed:
		if err := s.shards.SetState(b, d.Range, shard.ReadWrite); err != nil {
			_ = b.Close()
			return err
		}
	case fetch.Aborted:
		if err := s.shards.RemoveRange(b, d.Range); err != nil {
			_ = b.Close()
			return err
		}
	}
	if b.Len() == 0 {
		return b.Close()
	}
	return s.deps.Engine.WriteBatch(ctx, b, engine.WriteOptions{Sync: true})
}
