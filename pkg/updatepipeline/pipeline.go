// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package updatepipeline implements the Update Pipeline: the single
// writer into the Versioned Map and Mutation Log, dispatching every
// mutation in a log batch to its shard, its watch triggers, and its
// change feeds, then advancing `version`.
package updatepipeline

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/mutationlog"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
)

// WatchTrigger is the narrow surface the update pipeline needs from the
// watch registry: waking any watch whose key was touched by a write, at
// the version the write landed at.
type WatchTrigger interface {
	NotifyKey(key []byte, v version.V)
	NotifyRange(begin, end []byte, v version.V)
}

// ChangeFeedDispatcher is the narrow surface the update pipeline needs
// from the Change-Feed Engine: per-write dispatch plus the CRUD
// operations driven from the private-key mutation stream.
type ChangeFeedDispatcher interface {
	DispatchSet(b engine.Batch, key []byte, v version.V, m collab.Mutation)
	DispatchClear(b engine.Batch, begin, end []byte, v version.V, m collab.Mutation)
	GCUnassigned(b engine.Batch, r shard.Range) error
	AppendRollbackTombstone(b engine.Batch, v version.V) error

	Register(ctx context.Context, b engine.Batch, feedID string, r shard.Range, v version.V) error
	Stop(feedID string) error
	Destroy(ctx context.Context, b engine.Batch, feedID string) error
	Pop(ctx context.Context, b engine.Batch, feedID string, upTo version.V) error
}

// ByteSampler records a key/value pair into the byte-sampling map used
// for size-based shard split decisions; matches fetch.ByteSampler's
// shape so a single implementation (pkg/readpath.ByteSampleMap) serves
// both collaborators without either importing the other.
type ByteSampler interface {
	Sample(key []byte, valueLen int)
}

// Deps bundles the update pipeline's collaborators.
type Deps struct {
	Engine      engine.Engine
	Versions    *version.Tracker
	Shards      *shard.Manager
	VM          *vmap.VM
	Log         *mutationlog.Log
	Watches     WatchTrigger
	ChangeFeeds ChangeFeedDispatcher
	Sampler     ByteSampler
	Config      config.Config
	Metrics     *metrics.Registry
}

// Pipeline is the Update Pipeline. Its exported methods are safe to
// call from multiple goroutines (the Fetcher's handoff calls in
// particular do not run on the same goroutine as ApplyBatch), but the
// design models a single network-thread owner of VM/ML/shard-map
// state; mu is the durable-version lock, defensively guarding
// that state against the one cross-goroutine caller (the Fetcher) the
// design allows, rather than routing every injection through a command
// channel back onto a literal single goroutine.
type Pipeline struct {
	mu sync.Mutex

	deps Deps

	// pendingQueues holds mutations destined for a shard currently in
	// Adding/Fetching, keyed by the shard's range (begin+end, joined by
	// a NUL byte that cannot appear in a valid range boundary pair
	// without ambiguity for our purposes here since we only ever look
	// up by the exact same range value we inserted with).
	pendingQueues map[string][]collab.Mutation

	// rebootErr is set once a rollback or reboot marker has been
	// observed; every subsequent ApplyBatch call fails the same way
	// until the process actually restarts.
	rebootErr error
}

// New returns a Pipeline using deps.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, pendingQueues: map[string][]collab.Mutation{}}
}

// WithDurableLock runs fn while holding the durable-version lock,
// giving the durability loop's promotion step the same mutual
// exclusion against ApplyBatch.
func (p *Pipeline) WithDurableLock(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

func pendingQueueKey(r shard.Range) string {
	return string(r.Begin) + "\x00" + string(r.End)
}

// TakeQueuedUpdates returns and clears the mutations accumulated for an
// Adding/Fetching shard since the last call, for the caller to hand to
// the Fetcher before it requests an injection slot.
func (p *Pipeline) TakeQueuedUpdates(r shard.Range) []collab.Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pendingQueueKey(r)
	out := p.pendingQueues[k]
	delete(p.pendingQueues, k)
	return out
}

func (p *Pipeline) enqueuePending(r shard.Range, m collab.Mutation) {
	k := pendingQueueKey(r)
	p.pendingQueues[k] = append(p.pendingQueues[k], m)
}

// RequestInjection implements fetch.Injector. The transferred version
// is `version`+1, one past the current version at the moment of
// injection: the Fetcher's buffered writes become visible starting at
// a version no ordinary batch has published yet, never retroactively
// into an already-published VM root.
func (p *Pipeline) RequestInjection(ctx context.Context, r shard.Range) (version.V, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deps.Versions.Version() + 1, nil
}

// PushQueued implements fetch.Injector: it applies mutations directly
// into VM and ML tagged with transferredVersion, the same treatment a
// ReadWrite shard's mutations get in the ordinary apply path, then
// publishes a new VM root at transferredVersion. Publishing here rather
// than in RequestInjection matters: VM.CreateNewVersion snapshots
// whatever is in the latest working view at the moment it is called, so
// publishing before these mutations land would produce a queryable root
// missing exactly the writes this handoff exists to make visible,
// leaving a shard flipped to ReadWrite with no way to read its own
// just-fetched tail until an unrelated later batch happened to publish
// past transferredVersion.
func (p *Pipeline) PushQueued(transferredVersion version.V, mutations []collab.Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resolved := make([]collab.Mutation, 0, len(mutations))
	for _, m := range mutations {
		switch m.Type {
		case collab.SetValue:
			p.deps.VM.Insert(m.Key, m.Value, transferredVersion)
		case collab.ClearRange:
			p.deps.VM.InsertClear(m.Key, m.End, transferredVersion)
		default:
			// Queued updates are recorded only after resolution in the
			// ordinary apply path (see dispatchUserMutation), so an
			// AtomicOp here would mean a bug upstream; skip defensively
			// rather than corrupt VM with an unresolved operand.
			continue
		}
		resolved = append(resolved, m)
	}
	if len(resolved) > 0 {
		p.deps.Log.Append(transferredVersion, resolved)
	}
	p.deps.VM.CreateNewVersion(transferredVersion)
}

type existingVal struct {
	value []byte
	has   bool
}

// eagerReadAtomicOperands resolves the pre-existing value for every
// distinct key carrying an AtomicOp mutation in muts, consulting VM
// before the engine.
func (p *Pipeline) eagerReadAtomicOperands(ctx context.Context, snap *shard.Snapshot, muts []collab.Mutation) (map[string]existingVal, error) {
	out := map[string]existingVal{}
	view := p.deps.VM.AtLatest()
	for _, m := range muts {
		if m.Type != collab.AtomicOp {
			continue
		}
		k := string(m.Key)
		if _, ok := out[k]; ok {
			continue
		}
		if val, ok := view.Get(m.Key); ok {
			out[k] = existingVal{value: val, has: true}
			continue
		}
		if view.Cleared(m.Key) {
			out[k] = existingVal{has: false}
			continue
		}
		d, ok := snap.ShardFor(m.Key)
		if !ok {
			out[k] = existingVal{has: false}
			continue
		}
		cf, ok := snap.PhysicalCF(d.PhysicalID)
		if !ok {
			out[k] = existingVal{has: false}
			continue
		}
		val, err := p.deps.Engine.Get(ctx, cf, m.Key)
		if errors.Is(err, engine.ErrNotFound) {
			out[k] = existingVal{has: false}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "updatepipeline: eager read of %q", m.Key)
		}
		out[k] = existingVal{value: val, has: true}
	}
	return out, nil
}

func partitionMutations(muts []collab.Mutation) (private, user []collab.Mutation) {
	for _, m := range muts {
		if keys.IsPrivateKey(m.Key) {
			private = append(private, m)
		} else {
			user = append(user, m)
		}
	}
	return private, user
}

// ApplyBatch resolves one log batch end to end: eager reads,
// private-then-user mutation dispatch, watch/change-feed fan-out,
// version advancement, and desiredOldestVersion recomputation. It
// returns kverrors.ErrPleaseReboot (wrapped) once a rollback or reboot
// marker has been observed, in this call or any prior one.
func (p *Pipeline) ApplyBatch(ctx context.Context, batch collab.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rebootErr != nil {
		return p.rebootErr
	}

	snap := p.deps.Shards.Snapshot()

	existing, err := p.eagerReadAtomicOperands(ctx, snap, batch.Mutations)
	if err != nil {
		return err
	}

	privateMuts, userMuts := partitionMutations(batch.Mutations)

	b := p.deps.Engine.NewBatch()

	var reboot *privateOutcome
	for _, m := range privateMuts {
		outcome, err := p.applyPrivateMutation(ctx, b, batch.Version, m)
		if err != nil {
			_ = b.Close()
			return errors.Wrapf(err, "updatepipeline: private mutation %q", m.Key)
		}
		if outcome.reboot {
			reboot = &outcome
		}
	}

	var resolved []collab.Mutation
	for _, m := range userMuts {
		res, err := p.dispatchUserMutation(b, snap, batch.Version, m, existing)
		if err != nil {
			_ = b.Close()
			return errors.Wrapf(err, "updatepipeline: user mutation %q", m.Key)
		}
		resolved = append(resolved, res...)
	}

	if reboot != nil && p.deps.ChangeFeeds != nil {
		if err := p.deps.ChangeFeeds.AppendRollbackTombstone(b, batch.Version); err != nil {
			_ = b.Close()
			return errors.Wrap(err, "updatepipeline: appending rollback tombstone")
		}
	}

	if b.Len() > 0 {
		if err := p.deps.Engine.WriteBatch(ctx, b, engine.WriteOptions{Sync: false}); err != nil {
			return errors.Wrap(err, "updatepipeline: persisting private records")
		}
	} else {
		_ = b.Close()
	}

	if len(resolved) > 0 {
		p.deps.Log.Append(batch.Version, resolved)
	}

	p.deps.VM.CreateNewVersion(batch.Version)
	p.deps.Versions.AdvanceVersion(batch.Version)

	desired := computeDesiredOldest(batch.Version, p.deps.Versions.KnownCommittedVersion(), p.deps.Config.MaxReadTransactionLifeVersions)
	p.deps.Versions.SetDesiredOldestVersion(desired)

	if reboot != nil {
		p.rebootErr = errors.Wrapf(kverrors.ErrPleaseReboot, "rollback/reboot requested at version %d (target %d)", batch.Version, reboot.targetVersion)
		return p.rebootErr
	}
	return nil
}

func computeDesiredOldest(v, knownCommitted, maxLife version.V) version.V {
	a := v - maxLife
	b := knownCommitted - maxLife
	if b < a {
		return b
	}
	return a
}

// resolveMutation converts a single-key mutation (SetValue or
// AtomicOp) into the concrete SetValue/ClearRange it should apply as,
// consulting existing for AtomicOp operands. It returns nil when the
// mutation should not be applied at all (CompareAndClear mismatch,
// AppendIfFits overflow).
func resolveMutation(m collab.Mutation, existing map[string]existingVal) *collab.Mutation {
	if m.Type != collab.AtomicOp {
		return &collab.Mutation{Type: m.Type, Key: append([]byte{}, m.Key...), Value: append([]byte{}, m.Value...)}
	}
	ex := existing[string(m.Key)]
	result := ApplyAtomicOp(m.Op, ex.value, ex.has, m.Value)
	switch {
	case result.NoOp:
		return nil
	case result.Clear:
		return &collab.Mutation{Type: collab.ClearRange, Key: m.Key, End: keySuccessor(m.Key)}
	default:
		return &collab.Mutation{Type: collab.SetValue, Key: m.Key, Value: result.NewValue}
	}
}

// keySuccessor returns the tight immediate successor of k, used to
// turn a point CompareAndClear into a one-key ClearRange.
func keySuccessor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

func (p *Pipeline) applyResolvedToVM(m *collab.Mutation, v version.V) {
	switch m.Type {
	case collab.SetValue:
		p.deps.VM.Insert(m.Key, m.Value, v)
	case collab.ClearRange:
		p.deps.VM.InsertClear(m.Key, m.End, v)
	}
}

func (p *Pipeline) dispatchWatchAndFeed(b engine.Batch, m *collab.Mutation, v version.V) {
	if p.deps.Watches != nil {
		if m.Type == collab.SetValue {
			p.deps.Watches.NotifyKey(m.Key, v)
		} else {
			p.deps.Watches.NotifyRange(m.Key, m.End, v)
		}
	}
	if p.deps.ChangeFeeds != nil {
		if m.Type == collab.SetValue {
			p.deps.ChangeFeeds.DispatchSet(b, m.Key, v, *m)
		} else {
			p.deps.ChangeFeeds.DispatchClear(b, m.Key, m.End, v, *m)
		}
	}
}

// dispatchUserMutation handles one non-private mutation: split across
// intersecting shards and apply per-shard
// lifecycle-state behavior, firing watches and change feeds for
// whatever actually lands in VM. b is the engine batch accumulating
// this ApplyBatch call's private-record writes, so a change feed's
// durable mirror writes land in the same atomic commit.
func (p *Pipeline) dispatchUserMutation(b engine.Batch, snap *shard.Snapshot, v version.V, m collab.Mutation, existing map[string]existingVal) ([]collab.Mutation, error) {
	if m.Type != collab.ClearRange {
		d, ok := snap.ShardFor(m.Key)
		if !ok {
			return nil, nil
		}
		resolved := resolveMutation(m, existing)
		if resolved == nil {
			return nil, nil
		}
		switch {
		case d.State.Writable():
			p.applyResolvedToVM(resolved, v)
			p.dispatchWatchAndFeed(b, resolved, v)
			if p.deps.Sampler != nil {
				p.deps.Sampler.Sample(resolved.Key, len(resolved.Value))
			}
			return []collab.Mutation{*resolved}, nil
		case d.State == shard.AddingFetching:
			p.enqueuePending(d.Range, *resolved)
			return nil, nil
		default:
			return nil, nil
		}
	}

	var resolved []collab.Mutation
	for _, d := range snap.ShardsIntersecting(shard.Range{Begin: m.Key, End: m.End}) {
		subBegin, subEnd := clampRange(m.Key, m.End, d.Range)
		sub := collab.Mutation{Type: collab.ClearRange, Key: subBegin, End: subEnd}
		switch {
		case d.State.Writable():
			p.deps.VM.InsertClear(sub.Key, sub.End, v)
			p.dispatchWatchAndFeed(b, &sub, v)
			if p.deps.Sampler != nil {
				p.deps.Sampler.Sample(sub.Key, 0)
			}
			resolved = append(resolved, sub)
		case d.State == shard.AddingFetching:
			p.enqueuePending(d.Range, sub)
		default:
			// NotAssigned: ClearRange is silently ignored here too.
		}
	}
	return resolved, nil
}

// clampRange intersects [begin, end) with d, returning the overlap.
func clampRange(begin, end []byte, d shard.Range) ([]byte, []byte) {
	b := begin
	if bytes.Compare(d.Begin, b) > 0 {
		b = d.Begin
	}
	e := end
	if d.End != nil && (e == nil || bytes.Compare(d.End, e) < 0) {
		e = d.End
	}
	return b, e
}
