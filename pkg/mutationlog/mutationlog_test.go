// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package mutationlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/version"
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

func applyToMetadataCF(b engine.Batch, m collab.Mutation) error {
	switch m.Type {
	case collab.SetValue:
		b.Set(engine.MetadataCF, m.Key, m.Value)
	case collab.ClearRange:
		b.DeleteRange(engine.MetadataCF, m.Key, m.End)
	}
	return nil
}

func TestQueueSizeTracksInputMinusDurable(t *testing.T) {
	l := New()
	l.Append(1, []collab.Mutation{{Type: collab.SetValue, Key: []byte("a"), Value: []byte("1")}})
	require.Equal(t, int64(2), l.QueueSize())
}

func TestMakeVersionMutationsDurableWritesAndDrainsLog(t *testing.T) {
	eng := newTestEngine(t)
	l := New()
	l.Append(1, []collab.Mutation{{Type: collab.SetValue, Key: []byte("a"), Value: []byte("1")}})
	l.Append(2, []collab.Mutation{{Type: collab.SetValue, Key: []byte("b"), Value: []byte("2")}})

	res, err := l.MakeVersionMutationsDurable(context.Background(), eng, 0, 2, 1<<20, applyToMetadataCF, engine.WriteOptions{Sync: true})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, version.V(2), res.NewDurableVersion)
	require.Equal(t, []version.V{1, 2}, res.Versions)
	require.Equal(t, 0, l.Len())

	v, err := eng.Get(context.Background(), engine.MetadataCF, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestMakeVersionMutationsDurableStopsAtBudgetButMakesProgress(t *testing.T) {
	eng := newTestEngine(t)
	l := New()
	l.Append(1, []collab.Mutation{{Type: collab.SetValue, Key: []byte("a"), Value: []byte("1")}})
	l.Append(2, []collab.Mutation{{Type: collab.SetValue, Key: []byte("bbbbbbbbbbbbbbbb"), Value: []byte("2")}})

	res, err := l.MakeVersionMutationsDurable(context.Background(), eng, 0, 2, 1, applyToMetadataCF, engine.WriteOptions{Sync: true})
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, version.V(1), res.NewDurableVersion)
	require.Equal(t, []version.V{1}, res.Versions)
	require.Equal(t, 1, l.Len())
}

func TestShouldBrakeOnlyWhenBothConditionsHold(t *testing.T) {
	l := New()
	l.Append(1, []collab.Mutation{{Type: collab.SetValue, Key: make([]byte, 1000), Value: make([]byte, 1000)}})

	require.False(t, l.ShouldBrake(500, 10, 10)) // desiredOldest == durable
	require.True(t, l.ShouldBrake(500, 10, 0))
}

func TestEntriesBetweenReturnsOnlyRequestedWindow(t *testing.T) {
	l := New()
	l.Append(1, []collab.Mutation{{Type: collab.SetValue, Key: []byte("a")}})
	l.Append(2, []collab.Mutation{{Type: collab.SetValue, Key: []byte("b")}})
	l.Append(3, []collab.Mutation{{Type: collab.SetValue, Key: []byte("c")}})

	got := l.EntriesBetween(1, 2)
	require.Len(t, got, 1)
	require.Equal(t, []byte("b"), got[0].Key)
}
