// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package readpath implements the read path: getValue, getKey,
// getRange, a streaming range read, and getMappedRange, all evaluated
// at a caller-specified version against the union of the Versioned Map
// (for versions newer than the engine's storage version) and the
// engine itself. Every entry point re-checks the captured shard-map
// snapshot after any suspension, to detect concurrent shard movement.
package readpath

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
	"github.com/shardkv/storageserver/pkg/watch"
)

// Deps bundles the Read Path's collaborators.
type Deps struct {
	Engine   engine.Engine
	Shards   *shard.Manager
	VM       *vmap.VM
	Versions *version.Tracker
	Watches  *watch.Registry
	Samples  *ByteSampleMap
	Config   config.Config
	Metrics  *metrics.Registry
}

// RP is the Read Path.
type RP struct {
	deps Deps
}

// New returns a Read Path using deps.
func New(deps Deps) *RP {
	return &RP{deps: deps}
}

// waitForReadableVersion blocks until v is visible to reads: reject a
// version below oldestVersion immediately (it can never become
// visible), and wait up to
// FutureVersionWindow for the update pipeline to catch up to a version
// that is currently ahead of `version`, converting a timeout to
// FutureVersion.
func (r *RP) waitForReadableVersion(ctx context.Context, v version.V) error {
	snap := r.deps.Versions.Snapshot()
	if v < snap.OldestVersion {
		return kverrors.TooOld(int64(v), int64(snap.OldestVersion))
	}
	if v <= snap.Version {
		return nil
	}
	timeout := r.deps.Config.FutureVersionWindow
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if r.deps.Versions.WaitForVersion(v, ctx.Done()) {
		return nil
	}
	return kverrors.Future(int64(v), int64(r.deps.Versions.Version()))
}

// shardForRead resolves key against a fresh shard snapshot, requiring
// it to be in a readable state (ReadWrite); anything else is
// WrongShardServer.
func (r *RP) shardForRead(snap *shard.Snapshot, key []byte) (shard.DataShard, error) {
	d, ok := snap.ShardFor(key)
	if !ok || !d.State.Readable() {
		return shard.DataShard{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: key %q not readable on this server", key)
	}
	return d, nil
}

// GetValue waits for v, consults the Versioned Map first, then the
// engine, then re-validates the shard snapshot and storage version are
// still consistent with the read that was served.
func (r *RP) GetValue(ctx context.Context, key []byte, v version.V) ([]byte, bool, error) {
	if err := r.waitForReadableVersion(ctx, v); err != nil {
		return nil, false, err
	}

	snap := r.deps.Shards.Snapshot()
	d, err := r.shardForRead(snap, key)
	if err != nil {
		return nil, false, err
	}

	view := r.deps.VM.At(v)
	if val, ok := view.Get(key); ok {
		return val, true, nil
	}
	if view.Cleared(key) {
		return nil, false, nil
	}

	cf, ok := snap.PhysicalCF(d.PhysicalID)
	if !ok {
		return nil, false, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: physical shard for %q no longer usable", key)
	}
	val, err := r.deps.Engine.Get(ctx, cf, key)
	if errors.Is(err, engine.ErrNotFound) {
		val, ok = nil, false
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "readpath: engine read of %q", key)
	} else {
		ok = true
	}

	// Re-check: the shard may have moved away, or v may have fallen
	// below storageVersion, while the engine read was in flight.
	post := r.deps.Shards.Snapshot()
	d2, ok2 := post.ShardFor(key)
	if !ok2 || !d2.State.Readable() || d2.ChangeCounter != d.ChangeCounter {
		return nil, false, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: shard for %q moved during read", key)
	}
	if v < r.deps.Versions.OldestVersion() {
		return nil, false, kverrors.TooOld(int64(v), int64(r.deps.Versions.OldestVersion()))
	}
	return val, ok, nil
}

// KeySelector resolves to a concrete key by starting at Key (inclusive
// if OrEqual) and walking Offset keys forward (positive) or backward
// (negative) through the ordered keyspace.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int
}

// KeyResult is GetKey's outcome: either a resolved key (RemainingOffset
// == 0) or a boundary key and however much of Offset resolving within
// this shard couldn't consume, for the caller to retry against the
// neighboring shard.
type KeyResult struct {
	Key              []byte
	RemainingOffset  int
	HitLowerBoundary bool
	HitUpperBoundary bool
}

// GetKey resolves sel by a bounded scan within the shard containing
// sel.Key. If resolution would exit the shard, it returns with a
// nonzero RemainingOffset and the nearest boundary key so the caller
// can continue the walk in the next shard.
func (r *RP) GetKey(ctx context.Context, sel KeySelector, v version.V) (KeyResult, error) {
	if err := r.waitForReadableVersion(ctx, v); err != nil {
		return KeyResult{}, err
	}
	snap := r.deps.Shards.Snapshot()
	d, err := r.shardForRead(snap, sel.Key)
	if err != nil {
		return KeyResult{}, err
	}
	cf, ok := snap.PhysicalCF(d.PhysicalID)
	if !ok {
		return KeyResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: physical shard unusable for %q", sel.Key)
	}

	keys, err := r.mergedKeysInShard(ctx, cf, d.Range, v)
	if err != nil {
		return KeyResult{}, err
	}
	post := r.deps.Shards.Snapshot()
	d2, ok2 := post.ShardFor(sel.Key)
	if !ok2 || !d2.State.Readable() || d2.ChangeCounter != d.ChangeCounter {
		return KeyResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: shard for %q moved during read", sel.Key)
	}

	idx := lowerBound(keys, sel.Key)
	if idx < len(keys) && bytes.Equal(keys[idx], sel.Key) && sel.OrEqual {
		// idx already sits on sel.Key.
	} else if !sel.OrEqual && idx < len(keys) && bytes.Equal(keys[idx], sel.Key) {
		idx++
	}

	pos := idx + sel.Offset
	switch {
	case pos < 0:
		return KeyResult{Key: append([]byte{}, d.Range.Begin...), RemainingOffset: pos, HitLowerBoundary: true}, nil
	case pos >= len(keys):
		end := d.Range.End
		if end == nil {
			end = []byte{0xff}
		}
		return KeyResult{Key: append([]byte{}, end...), RemainingOffset: pos - len(keys), HitUpperBoundary: true}, nil
	default:
		return KeyResult{Key: keys[pos]}, nil
	}
}

func lowerBound(keys [][]byte, k []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(keys[mid], k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// mergedKeysInShard returns every live key in d's range at version v,
// merging the Versioned Map view with the engine, in ascending order.
func (r *RP) mergedKeysInShard(ctx context.Context, cf engine.ColumnFamily, d shard.Range, v version.V) ([][]byte, error) {
	rows, _, _, err := r.scanRange(ctx, cf, d.Begin, d.End, v, rangeOptions{RowLimit: maxUnboundedRowLimit})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(rows))
	for i, kv := range rows {
		out[i] = kv.Key
	}
	return out, nil
}
