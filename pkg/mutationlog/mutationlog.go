// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package mutationlog implements the Mutation Log (an ordered, version
// keyed queue of pending batches) and the Durability Loop that drains
// it into the engine under a byte budget.
package mutationlog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/version"
)

func mutationCost(m collab.Mutation) int64 {
	return int64(len(m.Key) + len(m.End) + len(m.Value))
}

type logEntry struct {
	version   version.V
	batch     []collab.Mutation
	costBytes int64
}

// Log is the Mutation Log: an ordered queue of pending batches, only
// ever appended at the tail (by the update pipeline) and drained from
// the head (by the durability loop). Versions strictly increase, so a
// plain append-only slice with a head offset suffices; no tree
// structure is needed for an access pattern with no interior
// insertion or lookup.
type Log struct {
	mu sync.Mutex

	entries []logEntry

	bytesInput   int64
	bytesDurable int64
}

// New returns an empty Mutation Log.
func New() *Log {
	return &Log{}
}

// Append adds version v's resolved mutation batch to the tail of the
// log. v must be strictly greater than every version previously
// appended. Mutations must already have any atomic op resolved to a
// concrete SetValue/ClearRange by the update pipeline — the log itself
// never re-derives a value from a prior one, so replaying it is always
// safe.
func (l *Log) Append(v version.V, batch []collab.Mutation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cost int64
	for _, m := range batch {
		cost += mutationCost(m)
	}
	l.entries = append(l.entries, logEntry{version: v, batch: batch, costBytes: cost})
	l.bytesInput += cost
}

// QueueSize returns bytesInput - bytesDurable, the back-pressure signal
// consulted by the update pipeline and durability loop.
func (l *Log) QueueSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytesInput - l.bytesDurable
}

// Len returns the number of undurable entries still queued.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ShouldBrake reports whether the update pipeline must stop reading
// further log entries: queueSize has crossed hardCeiling and the
// desired oldest version is still ahead of durableVersion, meaning more
// input would only widen the gap DL has to close.
func (l *Log) ShouldBrake(hardCeiling int64, desiredOldestVersion, durableVersion version.V) bool {
	return l.QueueSize() > hardCeiling && desiredOldestVersion > durableVersion
}

// ApplyFunc translates a single resolved mutation onto a write batch,
// resolving the mutation's key(s) to the physical engine location (the
// shard's column family) the caller's closure captures.
type ApplyFunc func(b engine.Batch, m collab.Mutation) error

// Result reports how far a single makeVersionMutationsDurable call
// actually advanced.
type Result struct {
	NewDurableVersion version.V
	BytesWritten      int64
	Complete          bool // true if it reached newDurable exactly

	// Versions lists, in ascending order, every entry version actually
	// written durably by this call. The caller uses it to prune the
	// Versioned Map of entries now shadowed by durable engine state.
	Versions []version.V
}

// MakeVersionMutationsDurable walks log entries with
// prevDurable < v <= newDurable in order, applying each one's
// mutations into a single engine batch via apply and committing with
// opts, stopping once bytesBudget is exhausted. It always makes at
// least one batch's worth of progress if any entry is eligible, an
// overage allowance so the durability loop can never stall entirely
// even while braked.
func (l *Log) MakeVersionMutationsDurable(
	ctx context.Context,
	eng engine.Engine,
	prevDurable, newDurable version.V,
	bytesBudget int64,
	apply ApplyFunc,
	opts engine.WriteOptions,
) (Result, error) {
	l.mu.Lock()
	var eligible []logEntry
	consumed := 0
	for _, e := range l.entries {
		if e.version <= prevDurable {
			consumed++
			continue
		}
		if e.version > newDurable {
			break
		}
		eligible = append(eligible, e)
		consumed++
	}
	l.mu.Unlock()

	if len(eligible) == 0 {
		return Result{NewDurableVersion: prevDurable, Complete: true}, nil
	}

	b := eng.NewBatch()
	var written int64
	var versions []version.V
	reached := prevDurable
	for i, e := range eligible {
		if i > 0 && written+e.costBytes > bytesBudget {
			break
		}
		for _, m := range e.batch {
			if err := apply(b, m); err != nil {
				_ = b.Close()
				return Result{}, errors.Wrapf(err, "mutationlog: applying mutation at version %d", e.version)
			}
		}
		written += e.costBytes
		reached = e.version
		versions = append(versions, e.version)
	}

	if err := eng.WriteBatch(ctx, b, opts); err != nil {
		return Result{}, errors.Wrap(err, "mutationlog: committing durable batch")
	}

	l.mu.Lock()
	l.bytesDurable += written
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.version > reached {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	l.mu.Unlock()

	return Result{
		NewDurableVersion: reached,
		BytesWritten:      written,
		Complete:          reached == newDurable,
		Versions:          versions,
	}, nil
}

// EntriesBetween returns a copy of every batch with version in
// (lo, hi], in ascending version order, used by the Fetcher to replay
// queued updates for a newly transferred shard.
func (l *Log) EntriesBetween(lo, hi version.V) []collab.Mutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []collab.Mutation
	for _, e := range l.entries {
		if e.version > lo && e.version <= hi {
			out = append(out, e.batch...)
		}
	}
	return out
}
