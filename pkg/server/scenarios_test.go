// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Scenario tests, one per end-to-end behavior a client of this package
// actually depends on: sharded read/write, restart recovery, a clear
// spanning multiple shards, a change feed's register/dispatch/pop
// lifecycle, a watch firing on write, and durability backpressure
// stalling log consumption.

package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/updatepipeline"
	"github.com/shardkv/storageserver/pkg/watch"
)

// drain applies every batch a fakeCursor currently has queued after
// afterVersion, synchronously, mirroring one pass of applyLoop without
// its background sleep/retry machinery.
func drain(t *testing.T, srv *Server, cursor *fakeCursor, afterVersion int64) int64 {
	t.Helper()
	ctx := context.Background()
	ch, err := cursor.Peek(ctx, afterVersion, srv.deps.ID)
	require.NoError(t, err)
	last := afterVersion
	for b := range ch {
		require.NoError(t, srv.pipeline.ApplyBatch(ctx, b))
		last = b.Version
	}
	return last
}

func fixtureWithShards(t *testing.T, ranges []shard.Range) (*Server, *fakeCursor, *fakeSequencer, engine.Engine) {
	t.Helper()
	eng := newTestEngine(t)
	ctx := context.Background()

	bootstrap := shard.New()
	b := eng.NewBatch()
	for _, r := range ranges {
		d, err := bootstrap.AddRange(ctx, eng, b, r)
		require.NoError(t, err)
		require.NoError(t, bootstrap.SetState(b, d.Range, shard.ReadWrite))
	}
	require.NoError(t, eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))

	cursor := newFakeCursor()
	seq := &fakeSequencer{}
	cfg := config.Default()
	cfg.UpdateDelay = 0

	srv, err := New(ctx, Deps{ID: "s1", Engine: eng, LogCursor: cursor, Sequencer: seq, Config: cfg})
	require.NoError(t, err)
	return srv, cursor, seq, eng
}

// a write spanning two physical shards is visible as one merged
// range read.
func TestShardedWriteAcrossTwoPhysicalShardsIsReadable(t *testing.T) {
	srv, cursor, _, _ := fixtureWithShards(t, []shard.Range{
		{Begin: []byte("a"), End: []byte("c")},
		{Begin: []byte("c"), End: []byte("f")},
	})

	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("b"), Value: []byte("1")},
		{Type: collab.SetValue, Key: []byte("d"), Value: []byte("2")},
	}})
	drain(t, srv, cursor, 0)

	res, err := srv.GetRange(context.Background(), []byte("a"), []byte("f"), 100, 0, srv.Version())
	require.NoError(t, err)
	require.Equal(t, []collab.KeyValue{
		{Key: []byte("b"), Value: []byte("1")},
		{Key: []byte("d"), Value: []byte("2")},
	}, res.Rows)
}

// after making the two-shard write durable and reopening the engine from the
// same directory, a freshly constructed Server recovers the same shard
// mapping and serves the same read.
func TestRestartRecoversShardMappingAndData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	ctx := context.Background()

	eng, err := engine.OpenPebble(dir, 8<<20, 4<<20)
	require.NoError(t, err)

	bootstrap := shard.New()
	b := eng.NewBatch()
	p1, err := bootstrap.AddRange(ctx, eng, b, shard.Range{Begin: []byte("a"), End: []byte("c")})
	require.NoError(t, err)
	p2, err := bootstrap.AddRange(ctx, eng, b, shard.Range{Begin: []byte("c"), End: []byte("f")})
	require.NoError(t, err)
	require.NoError(t, bootstrap.SetState(b, p1.Range, shard.ReadWrite))
	require.NoError(t, bootstrap.SetState(b, p2.Range, shard.ReadWrite))
	require.NoError(t, eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))

	cursor := newFakeCursor()
	cfg := config.Default()
	cfg.UpdateDelay = 0
	srv, err := New(ctx, Deps{ID: "s1", Engine: eng, LogCursor: cursor, Sequencer: &fakeSequencer{}, Config: cfg})
	require.NoError(t, err)

	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("b"), Value: []byte("1")},
		{Type: collab.SetValue, Key: []byte("d"), Value: []byte("2")},
	}})
	drain(t, srv, cursor, 0)
	require.NoError(t, srv.promoteDurable(ctx))
	require.NoError(t, eng.Close())

	eng2, err := engine.OpenPebble(dir, 8<<20, 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng2.Close() })

	reconstructed := shard.New()
	require.NoError(t, reconstructed.Reconstruct(ctx, eng2))
	snap := reconstructed.Snapshot()
	got := map[string]string{}
	for _, d := range snap.All() {
		got[string(d.Range.Begin)+".."+string(d.Range.End)] = d.State.String()
	}
	require.Equal(t, map[string]string{
		"a..c": shard.ReadWrite.String(),
		"c..f": shard.ReadWrite.String(),
	}, got)

	cursor2 := newFakeCursor()
	srv2, err := New(ctx, Deps{ID: "s1", Engine: eng2, LogCursor: cursor2, Sequencer: &fakeSequencer{}, Config: cfg})
	require.NoError(t, err)

	res, err := srv2.GetRange(ctx, []byte("a"), []byte("f"), 100, 0, srv2.Version())
	require.NoError(t, err)
	require.Equal(t, []collab.KeyValue{
		{Key: []byte("b"), Value: []byte("1")},
		{Key: []byte("d"), Value: []byte("2")},
	}, res.Rows)
}

// a clear that spans both shards removes everything from the merged
// read.
func TestClearRangeAcrossShardsRemovesAllRows(t *testing.T) {
	srv, cursor, _, _ := fixtureWithShards(t, []shard.Range{
		{Begin: []byte("a"), End: []byte("c")},
		{Begin: []byte("c"), End: []byte("f")},
	})
	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("b"), Value: []byte("1")},
		{Type: collab.SetValue, Key: []byte("d"), Value: []byte("2")},
	}})
	drain(t, srv, cursor, 0)

	cursor.Push(collab.Batch{Version: 2, Mutations: []collab.Mutation{
		{Type: collab.ClearRange, Key: []byte("b"), End: []byte("e")},
	}})
	drain(t, srv, cursor, 1)

	res, err := srv.GetRange(context.Background(), []byte("a"), []byte("f"), 100, 0, srv.Version())
	require.NoError(t, err)
	require.Empty(t, res.Rows)
}

// a change feed sees only the write inside its range, and popping
// past that write drops it while the stream still shows forward
// progress via the trailing tombstone.
func TestChangeFeedRegistersStreamsAndPops(t *testing.T) {
	srv, cursor, _, _ := fixtureWithShards(t, []shard.Range{{}})

	regKey := keys.ChangeFeedRegistrationKey("F")
	cursor.Push(collab.Batch{Version: 100, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: regKey, Value: updatepipeline.EncodeChangeFeedRegister(shard.Range{Begin: []byte("k"), End: []byte("m")})},
	}})
	after := drain(t, srv, cursor, 0)

	cursor.Push(collab.Batch{Version: 110, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("k1"), Value: []byte("x")},
	}})
	after = drain(t, srv, cursor, after)

	cursor.Push(collab.Batch{Version: 120, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("m1"), Value: []byte("y")},
	}})
	after = drain(t, srv, cursor, after)

	entries, err := srv.StreamChangeFeed(context.Background(), "F", 0, 200, shard.Range{})
	require.NoError(t, err)

	var sawK1, sawM1 bool
	for _, e := range entries {
		for _, m := range e.Mutations {
			switch string(m.Key) {
			case "k1":
				sawK1 = true
			case "m1":
				sawM1 = true
			}
		}
	}
	require.True(t, sawK1, "expected a record for k1")
	require.False(t, sawM1, "m1 falls outside the feed's range and must not appear")

	cursor.Push(collab.Batch{Version: 130, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: regKey, Value: updatepipeline.EncodeChangeFeedPop(115)},
	}})
	drain(t, srv, cursor, after)

	entries, err = srv.StreamChangeFeed(context.Background(), "F", 0, 200, shard.Range{})
	require.NoError(t, err)
	for _, e := range entries {
		for _, m := range e.Mutations {
			require.NotEqual(t, "k1", string(m.Key), "popped entry must not resurface")
		}
	}
	require.NotEmpty(t, entries, "a caught-up stream still shows a tombstone at the current version")
	require.True(t, entries[len(entries)-1].IsCaughtUpTombstone)
}

// a watch registered while the value matches its expectation stays
// pending until a subsequent write to the same key wakes it.
func TestWatchFiresOnMatchingKeyWrite(t *testing.T) {
	srv, cursor, _, _ := fixtureWithShards(t, []shard.Range{{}})

	fired := make(chan watch.Fire, 1)
	go func() {
		f, err := srv.RegisterWatch(context.Background(), []byte("w"), []byte("old"), []byte("old"), true)
		require.NoError(t, err)
		fired <- f
	}()

	require.Eventually(t, func() bool { return srv.watches.Len() == 1 }, time.Second, time.Millisecond)

	cursor.Push(collab.Batch{Version: 60, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("w"), Value: []byte("new")},
	}})
	drain(t, srv, cursor, 0)

	select {
	case f := <-fired:
		require.Equal(t, int64(60), int64(f.Version), "the fire must carry the version of the write that woke it")
	case <-time.After(time.Second):
		t.Fatal("watch never fired after the key it watches was written")
	}
}

// once the undurable queue crosses its hard ceiling, applyLoop
// stops consuming further log entries even though reads at the current
// version keep succeeding; promoting the backlog to durable storage
// clears the brake.
func TestApplyLoopBrakesUnderMutationLogPressureAndResumes(t *testing.T) {
	srv, cursor, _, _ := fixtureWithShards(t, []shard.Range{{}})
	srv.deps.Config.DurabilityLagHardMax = 1

	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("a"), Value: []byte("1234567890")},
	}})
	drain(t, srv, cursor, 0)
	srv.versions.SetDesiredOldestVersion(1)

	require.True(t, srv.braked(), "queue past the hard ceiling with desiredOldestVersion ahead of durable must brake")

	val, ok, err := srv.GetValue(context.Background(), []byte("a"), srv.Version())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1234567890"), val)

	require.NoError(t, srv.promoteDurable(context.Background()))
	require.False(t, srv.braked(), "promoting the backlog to durable storage must clear the brake")
}
