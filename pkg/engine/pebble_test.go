// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *PebbleEngine {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pebble")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	e, err := OpenPebble(dir, 8<<20, 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestMetadataColumnFamilyExistsAtOpen(t *testing.T) {
	e := newTestEngine(t)
	cfs, err := e.ListColumnFamilies(context.Background())
	require.NoError(t, err)
	require.Equal(t, MetadataCF, cfs["metadata"])
}

func TestCreateColumnFamilyIsIdempotentByName(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id1, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)
	id2, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := e.CreateColumnFamily(ctx, "shard-2")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestColumnFamiliesAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cf1, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)
	cf2, err := e.CreateColumnFamily(ctx, "shard-2")
	require.NoError(t, err)

	b := e.NewBatch()
	b.Set(cf1, []byte("k"), []byte("v1"))
	b.Set(cf2, []byte("k"), []byte("v2"))
	require.NoError(t, e.WriteBatch(ctx, b, WriteOptions{Sync: true}))

	v1, err := e.Get(ctx, cf1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v1)

	v2, err := e.Get(ctx, cf2, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v2)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Get(context.Background(), MetadataCF, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIteratorRespectsColumnFamilyBounds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cf, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)

	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c"} {
		b.Set(cf, []byte(k), []byte(k))
	}
	b.Set(MetadataCF, []byte("a"), []byte("should-not-appear"))
	require.NoError(t, e.WriteBatch(ctx, b, WriteOptions{Sync: true}))

	it, err := e.NewIterator(cf, nil, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for valid := it.First(); valid; valid = it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDeleteRangeRemovesOnlyBoundedKeys(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cf, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)

	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c", "d"} {
		b.Set(cf, []byte(k), []byte(k))
	}
	require.NoError(t, e.WriteBatch(ctx, b, WriteOptions{Sync: true}))

	b2 := e.NewBatch()
	b2.DeleteRange(cf, []byte("b"), []byte("d"))
	require.NoError(t, e.WriteBatch(ctx, b2, WriteOptions{Sync: true}))

	it, err := e.NewIterator(cf, nil, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for valid := it.First(); valid; valid = it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "d"}, got)
}

func TestDropColumnFamilyRemovesDataAndDirectoryEntry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cf, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)

	b := e.NewBatch()
	b.Set(cf, []byte("a"), []byte("1"))
	require.NoError(t, e.WriteBatch(ctx, b, WriteOptions{Sync: true}))

	require.NoError(t, e.DropColumnFamily(ctx, cf))

	cfs, err := e.ListColumnFamilies(ctx)
	require.NoError(t, err)
	_, ok := cfs["shard-1"]
	require.False(t, ok)

	_, err = e.Get(ctx, cf, []byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsolatesSubsequentWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cf, err := e.CreateColumnFamily(ctx, "shard-1")
	require.NoError(t, err)

	b := e.NewBatch()
	b.Set(cf, []byte("a"), []byte("1"))
	require.NoError(t, e.WriteBatch(ctx, b, WriteOptions{Sync: true}))

	snap := e.NewSnapshot()
	defer snap.Close()

	b2 := e.NewBatch()
	b2.Set(cf, []byte("a"), []byte("2"))
	require.NoError(t, e.WriteBatch(ctx, b2, WriteOptions{Sync: true}))

	it, err := e.NewIterator(cf, nil, nil, snap)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.SeekGE([]byte("a")))
	require.Equal(t, []byte("1"), it.Value())

	v, err := e.Get(ctx, cf, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}
