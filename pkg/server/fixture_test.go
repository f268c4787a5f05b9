// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/shard"
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

// fakeCursor is an in-memory collab.LogCursor: a caller appends batches
// with Push, and every Peek call delivers every pushed batch with
// version > afterVersion; it keeps no per-tag delivery state.
type fakeCursor struct {
	mu      sync.Mutex
	batches []collab.Batch
	popped  version.V
	removed bool
}

func newFakeCursor() *fakeCursor { return &fakeCursor{} }

func (c *fakeCursor) Push(b collab.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *fakeCursor) Peek(ctx context.Context, afterVersion version.V, tag string) (<-chan collab.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil, errors.Wrap(kverrors.ErrWorkerRemoved, "fakeCursor: peek after removal")
	}
	ch := make(chan collab.Batch, len(c.batches))
	for _, b := range c.batches {
		if b.Version > afterVersion {
			ch <- b
		}
	}
	close(ch)
	return ch, nil
}

func (c *fakeCursor) PopVersion(ctx context.Context, v version.V, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.popped = v
	return nil
}

func (c *fakeCursor) GetMinKnownCommittedVersion(ctx context.Context, tag string) (version.V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popped, nil
}

func (c *fakeCursor) GetCurrentPeekLocation() string { return "fake" }

// fakeSequencer hands out a version.V set by the test.
type fakeSequencer struct {
	mu sync.Mutex
	v  version.V
}

func (s *fakeSequencer) set(v version.V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
}

func (s *fakeSequencer) NextCommittedVersion(ctx context.Context) (version.V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, nil
}

func newFixture(t *testing.T) (*Server, *fakeCursor, *fakeSequencer) {
	t.Helper()
	eng := newTestEngine(t)
	cursor := newFakeCursor()
	seq := &fakeSequencer{}

	ctx := context.Background()
	bootstrap := shard.New()
	b := eng.NewBatch()
	d, err := bootstrap.AddRange(ctx, eng, b, shard.Range{})
	require.NoError(t, err)
	require.NoError(t, bootstrap.SetState(b, d.Range, shard.ReadWrite))
	require.NoError(t, eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true}))

	cfg := config.Default()
	cfg.UpdateDelay = 0
	cfg.MaxReadTransactionLifeVersions = 1_000_000

	srv, err := New(context.Background(), Deps{
		ID:        "s1",
		Engine:    eng,
		LogCursor: cursor,
		Sequencer: seq,
		Config:    cfg,
	})
	require.NoError(t, err)
	return srv, cursor, seq
}
