// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package changefeed implements the Change-Feed Engine: named,
// range-scoped ordered streams of mutations with durable truncation
// (pop) and a registration/removal lifecycle. Each feed's durable
// mirror is written synchronously into the same engine batch the
// update pipeline already commits for a log batch's private records,
// rather than lagging behind durableVersion via a separate durability
// pass — see DESIGN.md's pkg/updatepipeline entry for why.
package changefeed

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
)

// feed holds one change feed's full state: its range, the three
// versions named in the design (emptyVersion, storageVersion,
// durableVersion), its stopped flag, and its in-memory deque.
type feed struct {
	id    string
	r     shard.Range
	empty version.V

	// storageVersion and durableVersion track the largest version also
	// written durably; in this implementation every dispatch commits
	// synchronously, so the two are always equal, kept as separate
	// fields only to mirror the design's vocabulary.
	storage  version.V
	durable  version.V
	stopped  bool

	mutations []collab.FeedMutations // ascending by Version, one entry per version with a dispatch

	// consumers tracks the lowest version any live Stream caller has
	// advanced past, the backpressure signal for truncation: Pop must
	// not be asked to truncate past the slowest of these.
	consumers map[int64]version.V
	nextToken int64
}

func newFeed(id string, r shard.Range, empty version.V) *feed {
	return &feed{id: id, r: r, empty: empty, consumers: map[int64]version.V{}}
}

// NewFeedID returns a fresh feed identifier, used by callers that need
// to mint one before building the registration mutation (Register
// itself takes an id already chosen by the caller, since the id must
// round-trip through the log as the mutation's key suffix).
func NewFeedID() string { return uuid.NewString() }

// Deps bundles the Change-Feed Engine's collaborators. Peer is only
// consulted by FetchOverlapping. Engine is read by Stream and
// Reconstruct, and written by FetchOverlapping, which runs off the
// update pipeline's goroutine and therefore commits its own batches
// directly rather than riding along inside one supplied by a caller.
type Deps struct {
	Engine  engine.Engine
	Peer    collab.PeerStorageServer
	Metrics *metrics.Registry
}

// Engine is the Change-Feed Engine (CFE). Its exported methods are
// safe for concurrent use; Dispatch/CRUD calls arrive from the update
// pipeline under its durable-version lock, while Stream/FetchOverlapping
// calls arrive from read-path and fetcher goroutines, so Engine owns its
// own mutex independent of the update pipeline's.
type Engine struct {
	mu      sync.Mutex
	deps    Deps
	feeds   map[string]*feed
}

// New returns an empty Engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps, feeds: map[string]*feed{}}
}

func (e *Engine) backlogMetric(id string, n int) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.ChangeFeedBacklog.WithLabelValues(id).Set(float64(n))
	}
}

// Register implements updatepipeline.ChangeFeedDispatcher. It records
// the feed's metadata durably under its registration key and attaches
// it to the in-memory index.
func (e *Engine) Register(ctx context.Context, b engine.Batch, feedID string, r shard.Range, v version.V) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := newFeed(feedID, r, v-1)
	e.feeds[feedID] = f
	b.Set(engine.MetadataCF, keys.ChangeFeedRegistrationKey(feedID), encodeRegistration(f))
	e.backlogMetric(feedID, 0)
	return nil
}

// Stop implements updatepipeline.ChangeFeedDispatcher. Stopping has no
// accompanying engine batch in the interface (it is driven from a
// private mutation that carries no other durable side effect), so the
// stopped bit is persisted lazily: the next Pop or Destroy against this
// feed will carry it into its own batch, and a feed that is stopped and
// then crashes before any further CRUD simply resumes accepting writes
// on restart, which is safe since Stop only ever narrows what a feed
// does.
func (e *Engine) Stop(feedID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[feedID]
	if !ok {
		return errors.Wrapf(kverrors.ErrUnknownChangeFeed, "changefeed: stop %q", feedID)
	}
	f.stopped = true
	return nil
}

// Destroy implements updatepipeline.ChangeFeedDispatcher: erase the
// durable prefix and drop the in-memory entry.
func (e *Engine) Destroy(ctx context.Context, b engine.Batch, feedID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.feeds[feedID]; !ok {
		return errors.Wrapf(kverrors.ErrUnknownChangeFeed, "changefeed: destroy %q", feedID)
	}
	b.Delete(engine.MetadataCF, keys.ChangeFeedRegistrationKey(feedID))
	b.DeleteRange(engine.MetadataCF, keys.ChangeFeedDataPrefix(feedID), keys.PrefixEnd(keys.ChangeFeedDataPrefix(feedID)))
	delete(e.feeds, feedID)
	e.backlogMetric(feedID, 0)
	return nil
}

// Pop implements updatepipeline.ChangeFeedDispatcher: truncate mutations
// < upTo both in memory and on disk, advancing emptyVersion to at least
// upTo-1. Callers that care about backpressure should clamp upTo to
// MinStreamVersion first; Pop itself trusts its caller.
func (e *Engine) Pop(ctx context.Context, b engine.Batch, feedID string, upTo version.V) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[feedID]
	if !ok {
		return errors.Wrapf(kverrors.ErrUnknownChangeFeed, "changefeed: pop %q", feedID)
	}
	if upTo-1 > f.empty {
		f.empty = upTo - 1
	}
	kept := f.mutations[:0]
	for _, m := range f.mutations {
		if m.Version >= upTo {
			kept = append(kept, m)
		}
	}
	f.mutations = kept
	b.DeleteRange(engine.MetadataCF, keys.ChangeFeedDataPrefix(feedID), keys.ChangeFeedDataKey(feedID, uint64(upTo)))
	b.Set(engine.MetadataCF, keys.ChangeFeedRegistrationKey(feedID), encodeRegistration(f))
	e.backlogMetric(feedID, len(f.mutations))
	return nil
}

// GCUnassigned implements updatepipeline.ChangeFeedDispatcher: destroy
// every feed whose range no longer intersects any range this server
// still holds, called from the shard unassignment path.
func (e *Engine) GCUnassigned(b engine.Batch, r shard.Range) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, f := range e.feeds {
		if !f.r.Intersects(r) {
			continue
		}
		b.Delete(engine.MetadataCF, keys.ChangeFeedRegistrationKey(id))
		b.DeleteRange(engine.MetadataCF, keys.ChangeFeedDataPrefix(id), keys.PrefixEnd(keys.ChangeFeedDataPrefix(id)))
		delete(e.feeds, id)
		e.backlogMetric(id, 0)
	}
	return nil
}

// AppendRollbackTombstone implements updatepipeline.ChangeFeedDispatcher:
// every feed observes a zero-mutation entry at v, so a stream consumer
// sees forward progress through the version at which the reboot was
// requested even though no ordinary mutation landed there.
func (e *Engine) AppendRollbackTombstone(b engine.Batch, v version.V) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, f := range e.feeds {
		e.appendLocked(b, f, v, nil)
		_ = id
	}
	return nil
}

// DispatchSet implements updatepipeline.ChangeFeedDispatcher: fan a
// single-key write out to every feed overlapping it.
func (e *Engine) DispatchSet(b engine.Batch, key []byte, v version.V, m collab.Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.feeds {
		if f.stopped || !f.r.Contains(key) {
			continue
		}
		e.appendLocked(b, f, v, []collab.Mutation{m})
	}
}

// DispatchClear implements updatepipeline.ChangeFeedDispatcher: fan a
// clear out to every feed whose range intersects [begin, end).
func (e *Engine) DispatchClear(b engine.Batch, begin, end []byte, v version.V, m collab.Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.feeds {
		if f.stopped || !f.r.Intersects(shard.Range{Begin: begin, End: end}) {
			continue
		}
		e.appendLocked(b, f, v, []collab.Mutation{m})
	}
}

// appendLocked appends one version's worth of mutations (possibly
// empty, for a tombstone) to f's in-memory deque and persists the same
// entry into b, keeping storageVersion/durableVersion in lockstep since
// every dispatch here commits synchronously.
func (e *Engine) appendLocked(b engine.Batch, f *feed, v version.V, muts []collab.Mutation) {
	if n := len(f.mutations); n > 0 && f.mutations[n-1].Version == v {
		f.mutations[n-1].Mutations = append(f.mutations[n-1].Mutations, muts...)
	} else {
		f.mutations = append(f.mutations, collab.FeedMutations{Version: v, Mutations: muts})
	}
	f.storage, f.durable = v, v
	b.Set(engine.MetadataCF, keys.ChangeFeedDataKey(f.id, uint64(v)), encodeFeedMutations(muts))
	e.backlogMetric(f.id, len(f.mutations))
}

// Subscribe registers a new stream consumer for feedID, returning a
// token to pass to Advance/Unsubscribe. minVersion starts at the
// feed's current emptyVersion, the earliest version the consumer could
// possibly still need.
func (e *Engine) Subscribe(feedID string) (token int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[feedID]
	if !ok {
		return 0, errors.Wrapf(kverrors.ErrUnknownChangeFeed, "changefeed: subscribe %q", feedID)
	}
	f.nextToken++
	tok := f.nextToken
	f.consumers[tok] = f.empty
	return tok, nil
}

// Unsubscribe removes a stream consumer's backpressure vote.
func (e *Engine) Unsubscribe(feedID string, token int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.feeds[feedID]; ok {
		delete(f.consumers, token)
	}
}

// Advance records that a stream consumer has consumed everything below
// v, for MinStreamVersion's backpressure computation.
func (e *Engine) Advance(feedID string, token int64, v version.V) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.feeds[feedID]; ok {
		if cur, ok := f.consumers[token]; !ok || v > cur {
			f.consumers[token] = v
		}
	}
}

// MinStreamVersion returns the smallest progress reported by any live
// consumer of feedID, or (emptyVersion, false) if there are no
// consumers to constrain truncation.
func (e *Engine) MinStreamVersion(feedID string) (version.V, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[feedID]
	if !ok {
		return 0, false
	}
	if len(f.consumers) == 0 {
		return f.empty, false
	}
	min := version.V(-1)
	for _, v := range f.consumers {
		if min == -1 || v < min {
			min = v
		}
	}
	return min, true
}

// bytesOfMutation estimates a wire byte cost for m, mirroring the read
// path's own cost accounting. Stream applies no byte limit and does not
// call it.
func bytesOfMutation(m collab.Mutation) int {
	return len(m.Key) + len(m.End) + len(m.Value)
}
