// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package updatepipeline

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/mutationlog"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
)

type fakeWatches struct {
	keys        [][]byte
	keyVersions []version.V
	ranges      [][2][]byte
}

func (f *fakeWatches) NotifyKey(key []byte, v version.V) {
	f.keys = append(f.keys, key)
	f.keyVersions = append(f.keyVersions, v)
}
func (f *fakeWatches) NotifyRange(begin, end []byte, v version.V) {
	f.ranges = append(f.ranges, [2][]byte{begin, end})
}

type fakeChangeFeeds struct {
	sets       int
	clears     int
	registered map[string]shard.Range
	stopped    map[string]bool
	destroyed  map[string]bool
	popped     map[string]version.V
	gcRanges   []shard.Range
	rollbacks  []version.V
}

func newFakeChangeFeeds() *fakeChangeFeeds {
	return &fakeChangeFeeds{
		registered: map[string]shard.Range{},
		stopped:    map[string]bool{},
		destroyed:  map[string]bool{},
		popped:     map[string]version.V{},
	}
}

func (f *fakeChangeFeeds) DispatchSet(b engine.Batch, key []byte, v version.V, m collab.Mutation) {
	f.sets++
}
func (f *fakeChangeFeeds) DispatchClear(b engine.Batch, begin, end []byte, v version.V, m collab.Mutation) {
	f.clears++
}
func (f *fakeChangeFeeds) GCUnassigned(b engine.Batch, r shard.Range) error {
	f.gcRanges = append(f.gcRanges, r)
	return nil
}
func (f *fakeChangeFeeds) AppendRollbackTombstone(b engine.Batch, v version.V) error {
	f.rollbacks = append(f.rollbacks, v)
	return nil
}

func (f *fakeChangeFeeds) Register(ctx context.Context, b engine.Batch, feedID string, r shard.Range, v version.V) error {
	f.registered[feedID] = r
	return nil
}
func (f *fakeChangeFeeds) Stop(feedID string) error { f.stopped[feedID] = true; return nil }
func (f *fakeChangeFeeds) Destroy(ctx context.Context, b engine.Batch, feedID string) error {
	f.destroyed[feedID] = true
	return nil
}
func (f *fakeChangeFeeds) Pop(ctx context.Context, b engine.Batch, feedID string, upTo version.V) error {
	f.popped[feedID] = upTo
	return nil
}

type testRig struct {
	eng     engine.Engine
	shards  *shard.Manager
	vm      *vmap.VM
	log     *mutationlog.Log
	tracker *version.Tracker
	watches *fakeWatches
	feeds   *fakeChangeFeeds
	pipe    *Pipeline
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pebble")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	eng, err := engine.OpenPebble(dir, 8<<20, 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	mgr := shard.New()
	vm := vmap.New()
	log := mutationlog.New()
	tracker := version.New(0)
	watches := &fakeWatches{}
	feeds := newFakeChangeFeeds()

	cfg := config.Default()
	cfg.MaxReadTransactionLifeVersions = 100

	pipe := New(Deps{
		Engine:      eng,
		Versions:    tracker,
		Shards:      mgr,
		VM:          vm,
		Log:         log,
		Watches:     watches,
		ChangeFeeds: feeds,
		Config:      cfg,
	})

	return &testRig{eng: eng, shards: mgr, vm: vm, log: log, tracker: tracker, watches: watches, feeds: feeds, pipe: pipe}
}

func (r *testRig) addReadWriteShard(t *testing.T, ctx context.Context, rg shard.Range) {
	t.Helper()
	b := r.eng.NewBatch()
	_, err := r.shards.AddRange(ctx, r.eng, b, rg)
	require.NoError(t, err)
	require.NoError(t, r.shards.SetState(b, rg, shard.ReadWrite))
	require.NoError(t, r.eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))
}

func TestApplyBatchSetValueOnReadWriteShardUpdatesVMAndLog(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("a"), End: []byte("z")})

	err := r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("hello"), Value: []byte("world")}},
	})
	require.NoError(t, err)

	view := r.vm.AtLatest()
	val, ok := view.Get([]byte("hello"))
	require.True(t, ok)
	require.Equal(t, []byte("world"), val)

	require.EqualValues(t, 1, r.tracker.Version())
	require.Equal(t, 1, len(r.watches.keys))
	require.Equal(t, []version.V{1}, r.watches.keyVersions)
	require.Equal(t, 1, r.feeds.sets)
	require.Equal(t, int64(1), int64(r.log.Len()))
}

func TestApplyBatchAtomicAddValueConsultsExisting(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("a"), End: []byte("z")})

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("counter"), Value: le(5, 8)}},
	}))
	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   2,
		Mutations: []collab.Mutation{{Type: collab.AtomicOp, Op: collab.OpAddValue, Key: []byte("counter"), Value: le(3, 8)}},
	}))

	val, ok := r.vm.AtLatest().Get([]byte("counter"))
	require.True(t, ok)
	require.Equal(t, uint64(8), binary.LittleEndian.Uint64(val))
}

func TestApplyBatchClearRangeSplitsAcrossShards(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("a"), End: []byte("m")})
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("m"), End: []byte("z")})

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version: 1,
		Mutations: []collab.Mutation{
			{Type: collab.SetValue, Key: []byte("b"), Value: []byte("1")},
			{Type: collab.SetValue, Key: []byte("n"), Value: []byte("2")},
		},
	}))
	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   2,
		Mutations: []collab.Mutation{{Type: collab.ClearRange, Key: []byte("a"), End: []byte("z")}},
	}))

	view := r.vm.AtLatest()
	require.True(t, view.Cleared([]byte("b")))
	require.True(t, view.Cleared([]byte("n")))
	require.Equal(t, 2, r.feeds.clears) // one clear dispatch per intersecting shard
}

func TestApplyBatchDropsWritesToUnassignedShard(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	// No shard ever assigned.
	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("orphan"), Value: []byte("x")}},
	}))
	_, ok := r.vm.AtLatest().Get([]byte("orphan"))
	require.False(t, ok)
}

func TestApplyBatchQueuesWritesForAddingFetchingShard(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	b := r.eng.NewBatch()
	rg := shard.Range{Begin: []byte("a"), End: []byte("z")}
	_, err := r.shards.AddRange(ctx, r.eng, b, rg) // leaves it in AddingFetching
	require.NoError(t, err)
	require.NoError(t, r.eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("k"), Value: []byte("v")}},
	}))

	_, ok := r.vm.AtLatest().Get([]byte("k"))
	require.False(t, ok, "AddingFetching shard writes must not land in VM yet")

	queued := r.pipe.TakeQueuedUpdates(rg)
	require.Len(t, queued, 1)
	require.Equal(t, []byte("k"), queued[0].Key)

	// A second call drains nothing further.
	require.Empty(t, r.pipe.TakeQueuedUpdates(rg))
}

func TestApplyBatchShardAssignmentCreatesAddingFetchingShard(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	assign := collab.Mutation{
		Key:   keys.ShardAssignedKey([]byte("a")),
		End:   []byte("m"),
		Value: []byte("1"),
	}
	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{Version: 1, Mutations: []collab.Mutation{assign}}))

	snap := r.shards.Snapshot()
	d, ok := snap.ShardFor([]byte("b"))
	require.True(t, ok)
	require.Equal(t, shard.AddingFetching, d.State)
}

func TestApplyBatchUnassignRemovesShardAndGCsFeeds(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	rg := shard.Range{Begin: []byte("a"), End: []byte("m")}
	r.addReadWriteShard(t, ctx, rg)

	unassign := collab.Mutation{
		Key:   keys.ShardAssignedKey([]byte("a")),
		End:   []byte("m"),
		Value: []byte("0"),
	}
	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{Version: 2, Mutations: []collab.Mutation{unassign}}))

	_, ok := r.shards.Snapshot().ShardFor([]byte("b"))
	require.False(t, ok)
	require.Len(t, r.feeds.gcRanges, 1)
}

func TestApplyBatchRollbackMarkerTriggersPleaseReboot(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("a"), End: []byte("z")})

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("x"), Value: []byte("1")}},
	}))
	require.NoError(t, r.tracker.AdvanceDurableVersion(1))

	rollbackValue := le(1, 8) // target version 1, satisfying storageVersion(1) <= rv < cv(2)
	err := r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   2,
		Mutations: []collab.Mutation{{Key: keys.RollbackKey(), Value: rollbackValue}},
	})
	require.True(t, errors.Is(err, kverrors.ErrPleaseReboot))
	require.Len(t, r.feeds.rollbacks, 1)

	// Sticky: further batches also fail the same way.
	err = r.pipe.ApplyBatch(ctx, collab.Batch{Version: 3, Mutations: nil})
	require.True(t, errors.Is(err, kverrors.ErrPleaseReboot))
}

func TestApplyBatchRollbackMarkerBeforeOldestVersionStillTriggersPleaseReboot(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	r.addReadWriteShard(t, ctx, shard.Range{Begin: []byte("a"), End: []byte("z")})

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("x"), Value: []byte("1")}},
	}))
	require.NoError(t, r.tracker.AdvanceDurableVersion(1))
	require.NoError(t, r.tracker.AdvanceOldestVersion(1))

	// rv precedes oldestVersion, so replaying back to it isn't possible —
	// this must still reboot rather than silently no-op.
	rollbackValue := le(0, 8)
	err := r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   2,
		Mutations: []collab.Mutation{{Key: keys.RollbackKey(), Value: rollbackValue}},
	})
	require.True(t, errors.Is(err, kverrors.ErrPleaseReboot))
}

func TestApplyBatchChangeFeedRegisterDispatchesToEngine(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	val := EncodeChangeFeedRegister(shard.Range{Begin: []byte("a"), End: []byte("z")})
	err := r.pipe.ApplyBatch(ctx, collab.Batch{
		Version: 1,
		Mutations: []collab.Mutation{
			{Key: keys.ChangeFeedRegistrationKey("feed-1"), Value: val},
		},
	})
	require.NoError(t, err)
	require.Equal(t, shard.Range{Begin: []byte("a"), End: []byte("z")}, r.feeds.registered["feed-1"])
}

func TestRequestInjectionAndPushQueuedPublishReadableVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	require.NoError(t, r.pipe.ApplyBatch(ctx, collab.Batch{
		Version:   1,
		Mutations: []collab.Mutation{{Type: collab.SetValue, Key: []byte("unrelated"), Value: []byte("v")}},
	}))

	transferredVersion, err := r.pipe.RequestInjection(ctx, shard.Range{Begin: []byte("a"), End: []byte("z")})
	require.NoError(t, err)
	require.Equal(t, r.tracker.Version()+1, transferredVersion)

	r.pipe.PushQueued(transferredVersion, []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("fetched"), Value: []byte("tail")},
	})

	// The published root at transferredVersion must already reflect the
	// queued write: a shard flipped to ReadWrite the instant PushQueued
	// returns has to be able to read its own just-injected tail.
	val, ok := r.vm.At(transferredVersion).Get([]byte("fetched"))
	require.True(t, ok)
	require.Equal(t, []byte("tail"), val)
}
