// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package changefeed

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
)

// StreamEntry is one version's worth of mutations as delivered by
// Stream. KnownCommittedVersion is set only on the trailing tombstone
// emitted when the stream has caught up to currentVersion, letting a
// consumer distinguish "nothing happened at this version" from "you
// are now caught up to the server".
type StreamEntry struct {
	Version               version.V
	Mutations             []collab.Mutation
	KnownCommittedVersion version.V
	IsCaughtUpTombstone   bool
}

// Stream returns an ordered sequence of mutations for feedID with
// version in [begin, end), filtered to filterRange. Since every
// dispatch in this
// implementation commits its durable mirror synchronously with the
// in-memory append (see the package doc comment), the durable engine
// range under the feed's data prefix is always a complete, authoritative
// record of everything not yet popped — merging against a separate
// in-memory deque would just re-read the same data twice, so Stream
// reads solely from the engine. currentVersion/knownCommittedVersion
// are supplied by the caller (the version tracker is owned outside
// this package) so the trailing tombstone can be attached correctly.
func (e *Engine) Stream(
	ctx context.Context,
	feedID string,
	begin, end version.V,
	filterRange shard.Range,
	currentVersion, knownCommittedVersion version.V,
) ([]StreamEntry, error) {
	e.mu.Lock()
	f, ok := e.feeds[feedID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.Wrapf(kverrors.ErrUnknownChangeFeed, "changefeed: stream %q", feedID)
	}
	empty := f.empty
	e.mu.Unlock()

	if begin <= empty {
		begin = empty + 1
	}
	if end <= begin {
		return nil, nil
	}

	lo := keys.ChangeFeedDataKey(feedID, uint64(begin))
	hi := keys.ChangeFeedDataKey(feedID, uint64(end))
	it, err := e.deps.Engine.NewIterator(engine.MetadataCF, lo, hi, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "changefeed: opening stream iterator for %q", feedID)
	}
	defer it.Close()

	var out []StreamEntry
	lastEmitted := begin - 1
	for valid := it.First(); valid; valid = it.Next() {
		v, err := keys.DecodeChangeFeedDataKey(feedID, it.Key())
		if err != nil {
			return nil, err
		}
		muts, err := decodeFeedMutations(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "changefeed: decoding stream entry for %q at version %d", feedID, v)
		}
		filtered := filterMutations(muts, filterRange)
		out = append(out, StreamEntry{Version: version.V(v), Mutations: filtered})
		lastEmitted = version.V(v)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "changefeed: reading stream for %q", feedID)
	}

	// A stream that has caught all the way up to currentVersion (i.e.
	// end-1 >= currentVersion) must still show forward progress even
	// when the tail carries no mutations, and additionally attaches
	// knownCommittedVersion so the consumer can tell "caught up" from
	// "server is behind".
	if end-1 >= currentVersion && lastEmitted < currentVersion {
		out = append(out, StreamEntry{
			Version:               currentVersion,
			KnownCommittedVersion: knownCommittedVersion,
			IsCaughtUpTombstone:   true,
		})
	}
	return out, nil
}

func filterMutations(muts []collab.Mutation, r shard.Range) []collab.Mutation {
	if r.Begin == nil && r.End == nil {
		return muts
	}
	var out []collab.Mutation
	for _, m := range muts {
		switch m.Type {
		case collab.ClearRange:
			if r.Intersects(shard.Range{Begin: m.Key, End: m.End}) {
				out = append(out, m)
			}
		default:
			if r.Contains(m.Key) {
				out = append(out, m)
			}
		}
	}
	return out
}

// FetchOverlapping implements fetch.ChangeFeedFetcher: on a shard move,
// for every feed the peer reports overlapping [begin, end), copy its
// history from the local emptyVersion+1 through atVersion
// into this server's durable mirror (creating the feed locally if it
// is new to this server). It does not tail the peer past atVersion:
// mutations the peer records after atVersion are not copied.
func (e *Engine) FetchOverlapping(ctx context.Context, begin, end []byte, atVersion version.V) error {
	if e.deps.Peer == nil {
		return nil
	}
	entries, err := e.deps.Peer.GetOverlappingChangeFeeds(ctx, begin, end, 0)
	if err != nil {
		return errors.Wrap(err, "changefeed: listing peer's overlapping change feeds")
	}

	for _, entry := range entries {
		if err := e.fetchOneOverlapping(ctx, entry, begin, end, atVersion); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fetchOneOverlapping(ctx context.Context, entry collab.ChangeFeedEntry, begin, end []byte, atVersion version.V) error {
	e.mu.Lock()
	f, exists := e.feeds[entry.ID]
	if !exists {
		f = newFeed(entry.ID, shard.Range{Begin: entry.RangeBegin, End: entry.RangeEnd}, entry.EmptyVersion)
		e.feeds[entry.ID] = f
	}
	startVersion := f.empty + 1
	e.mu.Unlock()

	ch, err := e.deps.Peer.GetChangeFeedStream(ctx, entry.ID, startVersion, atVersion+1, begin, end)
	if err != nil {
		return errors.Wrapf(err, "changefeed: fetching history for feed %q from peer", entry.ID)
	}

	b := e.deps.Engine.NewBatch()
	e.mu.Lock()
	if !exists {
		b.Set(engine.MetadataCF, keys.ChangeFeedRegistrationKey(entry.ID), encodeRegistration(f))
	}
	for fm := range ch {
		e.appendLocked(b, f, fm.Version, fm.Mutations)
	}
	e.mu.Unlock()

	if b.Len() == 0 {
		return b.Close()
	}
	if err := e.deps.Engine.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}); err != nil {
		return errors.Wrapf(err, "changefeed: committing fetched history for feed %q", entry.ID)
	}
	return nil
}

// Reconstruct rebuilds every change feed's in-memory registration state
// (range, emptyVersion, stopped bit) from the durable RF/ records after
// a restart. The in-memory mutation deque itself is never rebuilt —
// Stream reads mutations from the durable mirror directly, per its own
// doc comment — so this only needs to repopulate e.feeds well enough
// for Register/Pop/Stop/Destroy and Stream's emptyVersion clamp to
// behave correctly.
func (e *Engine) Reconstruct(ctx context.Context) error {
	prefix := keys.ChangeFeedRegistrationPrefix()
	it, err := e.deps.Engine.NewIterator(engine.MetadataCF, prefix, keys.PrefixEnd(prefix), nil)
	if err != nil {
		return errors.Wrap(err, "changefeed: opening registration iterator during reconstruction")
	}
	defer it.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for valid := it.First(); valid; valid = it.Next() {
		feedID := string(it.Key()[len(prefix):])
		reg, err := decodeRegistration(it.Value())
		if err != nil {
			return errors.Wrapf(err, "changefeed: decoding registration for %q", feedID)
		}
		f := newFeed(feedID, shard.Range{Begin: reg.begin, End: reg.end}, reg.empty)
		f.stopped = reg.stopped
		f.storage, f.durable = reg.empty, reg.empty
		e.feeds[feedID] = f
	}
	return it.Error()
}
