// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package readpath

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
	"github.com/shardkv/storageserver/pkg/watch"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pebble")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	e, err := engine.OpenPebble(dir, 8<<20, 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// fixture bundles one whole-keyspace ReadWrite shard and its Read Path,
// for tests that write through the engine and Versioned Map directly and
// then exercise reads against them.
type fixture struct {
	rp  *RP
	eng engine.Engine
	sm  *shard.Manager
	vm  *vmap.VM
	vt  *version.Tracker
	cf  engine.ColumnFamily
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	eng := newTestEngine(t)
	sm := shard.New()
	vm := vmap.New()
	vt := version.New(0)

	b := eng.NewBatch()
	d, err := sm.AddRange(ctx, eng, b, shard.Range{})
	require.NoError(t, err)
	require.NoError(t, eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))

	b2 := eng.NewBatch()
	require.NoError(t, sm.SetState(b2, d.Range, shard.ReadWrite))
	require.NoError(t, eng.WriteBatch(ctx, b2, engine.WriteOptions{Sync: true}))

	snap := sm.Snapshot()
	cf, ok := snap.PhysicalCF(d.PhysicalID)
	require.True(t, ok)

	cfg := config.Default()
	cfg.FutureVersionWindow = 20 * time.Millisecond

	rp := New(Deps{
		Engine:   eng,
		Shards:   sm,
		VM:       vm,
		Versions: vt,
		Watches:  watch.New(1<<20, metrics.NewUnregistered()),
		Config:   cfg,
		Metrics:  metrics.NewUnregistered(),
	})

	return &fixture{rp: rp, eng: eng, sm: sm, vm: vm, vt: vt, cf: cf}
}

// putEngine writes key=val directly into the shard's physical column
// family, bypassing the Versioned Map, simulating data already made
// durable before the version under test.
func (f *fixture) putEngine(t *testing.T, key, val []byte) {
	t.Helper()
	b := f.eng.NewBatch()
	b.Set(f.cf, key, val)
	require.NoError(t, f.eng.WriteBatch(context.Background(), b, engine.WriteOptions{Sync: true}))
}

// advanceTo publishes the Versioned Map's current working tree as an
// ancestor view at v and advances the version tracker to v, making v
// readable.
func (f *fixture) advanceTo(v version.V) {
	f.vm.CreateNewVersion(v)
	f.vt.AdvanceVersion(v)
}
