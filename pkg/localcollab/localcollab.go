// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package localcollab provides an in-process, single-node
// implementation of pkg/collab's LogCursor and Sequencer, for running a
// storage server without a real replicated log or cluster. It is a
// wiring convenience for cmd/storageserver's standalone mode, not a
// substitute for a real distributed log: everything here lives in one
// process's memory and is lost on restart.
package localcollab

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/version"
)

// Standalone is a single-node collab.LogCursor and collab.Sequencer:
// Submit assigns the next version and appends a batch; every consumer
// tag sees every batch, since there is exactly one server to consume
// them.
type Standalone struct {
	mu      sync.Mutex
	nextV   version.V
	batches []collab.Batch
	popped  version.V
}

// NewStandalone returns a Standalone whose first assigned version is
// v0+1.
func NewStandalone(v0 version.V) *Standalone {
	return &Standalone{nextV: v0}
}

// Submit assigns mutations the next version and makes them visible to
// Peek. It is the only way to get user or private-key writes into a
// standalone server, since this package implements no client-facing
// write API of its own.
func (s *Standalone) Submit(mutations []collab.Mutation) (version.V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextV++
	v := s.nextV
	s.batches = append(s.batches, collab.Batch{Version: v, Mutations: mutations})
	return v, nil
}

// Peek implements collab.LogCursor. It returns every batch after
// afterVersion currently buffered, then closes the channel without
// blocking; a caller wanting to keep consuming must re-Peek. tag is
// accepted for interface compatibility but ignored, since a standalone
// server has exactly one logical consumer.
func (s *Standalone) Peek(ctx context.Context, afterVersion version.V, tag string) (<-chan collab.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if afterVersion < s.popped {
		return nil, errors.Wrapf(kverrors.ErrWorkerRemoved, "localcollab: peek at %d before popped watermark %d", afterVersion, s.popped)
	}
	var pending []collab.Batch
	for _, b := range s.batches {
		if b.Version > afterVersion {
			pending = append(pending, b)
		}
	}
	ch := make(chan collab.Batch, len(pending))
	for _, b := range pending {
		ch <- b
	}
	close(ch)
	return ch, nil
}

// PopVersion implements collab.LogCursor by advancing the watermark
// below which buffered batches may be discarded, and trims them.
func (s *Standalone) PopVersion(ctx context.Context, v version.V, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v <= s.popped {
		return nil
	}
	s.popped = v
	kept := s.batches[:0]
	for _, b := range s.batches {
		if b.Version > v {
			kept = append(kept, b)
		}
	}
	s.batches = kept
	return nil
}

// GetMinKnownCommittedVersion implements collab.LogCursor. A standalone
// server has no other consumers to lag behind, so the answer is always
// the latest assigned version.
func (s *Standalone) GetMinKnownCommittedVersion(ctx context.Context, tag string) (version.V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextV, nil
}

// GetCurrentPeekLocation implements collab.LogCursor.
func (s *Standalone) GetCurrentPeekLocation() string { return "localcollab" }

// NextCommittedVersion implements collab.Sequencer.
func (s *Standalone) NextCommittedVersion(ctx context.Context) (version.V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextV, nil
}
