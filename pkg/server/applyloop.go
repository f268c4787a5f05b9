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
	"time"

	"github.com/cockroachdb/errors"
)

// applyLoop is the update pipeline's single writer: it keeps re-Peeking
// the log cursor from wherever it last left off and applies every batch
// it delivers in order. A closed batch channel with no error means the
// cursor is caught up for now, not that it is done; applyLoop sleeps
// briefly and re-Peeks rather than treating that as end of stream.
//
// Before consuming each batch it consults the mutation log's own brake:
// once the undurable queue crosses its hard ceiling and the durability
// loop still has ground to make up, applyLoop stops pulling further
// input until that gap closes, so an overloaded durability loop bounds
// memory instead of the queue growing without limit.
func (s *Server) applyLoop(ctx context.Context) error {
	after := s.versions.Version()
	for {
		if err := s.waitUntilUnbraked(ctx); err != nil {
			return err
		}

		batches, err := s.deps.LogCursor.Peek(ctx, after, s.deps.ID)
		if err != nil {
			return errors.Wrap(err, "server: peeking log cursor")
		}

		drained := false
		for {
			if err := s.waitUntilUnbraked(ctx); err != nil {
				return err
			}
			batch, ok := <-batches
			if !ok {
				break
			}
			if err := s.pipeline.ApplyBatch(ctx, batch); err != nil {
				return errors.Wrapf(err, "server: applying batch at version %d", batch.Version)
			}
			after = batch.Version
			drained = true
		}

		if !drained {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.idleDelay()):
			}
		}
	}
}

func (s *Server) braked() bool {
	return s.log.ShouldBrake(s.deps.Config.DurabilityLagHardMax, s.versions.DesiredOldestVersion(), s.versions.DurableVersion())
}

func (s *Server) waitUntilUnbraked(ctx context.Context) error {
	for s.braked() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.idleDelay()):
		}
	}
	return nil
}
