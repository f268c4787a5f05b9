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
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
)

func (s *Server) idleDelay() time.Duration {
	if s.deps.Config.UpdateDelay <= 0 {
		return time.Millisecond
	}
	return s.deps.Config.UpdateDelay
}

// durabilityLoop periodically promotes buffered log entries into the
// engine and advances durableVersion, pruning the Versioned Map of
// entries now shadowed by that durable state, popping the log cursor,
// and tightening oldestVersion behind it.
func (s *Server) durabilityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.idleDelay())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.promoteDurable(ctx); err != nil {
			return err
		}
	}
}

func (s *Server) promoteDurable(ctx context.Context) error {
	return s.pipeline.WithDurableLock(func() error {
		prev := s.versions.DurableVersion()
		target := s.versions.Version()
		if target > prev {
			budget := s.deps.Config.DurabilityLagOverage
			if budget <= 0 {
				budget = 1 << 20
			}
			result, err := s.log.MakeVersionMutationsDurable(ctx, s.deps.Engine, prev, target, budget, s.applyDurable, engine.WriteOptions{Sync: true})
			if err != nil {
				return errors.Wrap(err, "server: promoting durable version")
			}
			if result.NewDurableVersion > prev {
				if err := s.persistDurableVersion(ctx, result.NewDurableVersion); err != nil {
					return err
				}
				if err := s.versions.AdvanceDurableVersion(result.NewDurableVersion); err != nil {
					return errors.Wrap(err, "server: advancing durable version")
				}
				for _, v := range result.Versions {
					s.vm.RemoveInsertVersion(v)
				}
				if s.deps.LogCursor != nil {
					if err := s.deps.LogCursor.PopVersion(ctx, result.NewDurableVersion, s.deps.ID); err != nil {
						return errors.Wrap(err, "server: popping consumed log versions")
					}
				}
			}
		}
		return s.refreshKnownCommitted(ctx)
	})
}

// refreshKnownCommitted pulls the sequencer's current commit version,
// then tightens oldestVersion to whatever the update pipeline last
// computed as desiredOldestVersion and prunes VM behind it.
// AdvanceOldestVersion leaves oldestVersion unchanged for a target
// behind it and rejects only a target above version; that rejection is
// not an error here, it just skips the prune.
func (s *Server) refreshKnownCommitted(ctx context.Context) error {
	if s.deps.Sequencer != nil {
		v, err := s.deps.Sequencer.NextCommittedVersion(ctx)
		if err != nil {
			return errors.Wrap(err, "server: refreshing known committed version")
		}
		s.versions.SetKnownCommittedVersion(v)
	}
	if err := s.versions.AdvanceOldestVersion(s.versions.DesiredOldestVersion()); err == nil {
		s.vm.ForgetVersionsBefore(s.versions.OldestVersion())
	}
	return nil
}

// applyDurable writes one previously-buffered mutation into its shard's
// physical column family, consulting the shard map as of now rather
// than as of when the mutation was originally accepted. A key or range
// that no longer maps to a shard this server holds (moved on before its
// buffered write was made durable) is silently dropped: the move itself
// is responsible for the range's correctness on whichever server holds
// it next.
func (s *Server) applyDurable(b engine.Batch, m collab.Mutation) error {
	snap := s.shards.Snapshot()
	switch m.Type {
	case collab.SetValue:
		d, ok := snap.ShardFor(m.Key)
		if !ok {
			return nil
		}
		cf, ok := snap.PhysicalCF(d.PhysicalID)
		if !ok {
			return nil
		}
		b.Set(cf, m.Key, m.Value)
	case collab.ClearRange:
		for _, d := range snap.ShardsIntersecting(shard.Range{Begin: m.Key, End: m.End}) {
			cf, ok := snap.PhysicalCF(d.PhysicalID)
			if !ok {
				continue
			}
			begin, end := clampRange(m.Key, m.End, d.Range)
			b.DeleteRange(cf, begin, end)
		}
	default:
		return errors.Newf("server: unexpected mutation type %d reaching durability", m.Type)
	}
	return nil
}

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

func (s *Server) persistDurableVersion(ctx context.Context, v version.V) error {
	b := s.deps.Engine.NewBatch()
	b.Set(engine.MetadataCF, keys.DurableVersionKey(), encodeVersion(v))
	return s.deps.Engine.WriteBatch(ctx, b, engine.WriteOptions{Sync: true})
}

func encodeVersion(v version.V) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeVersion(b []byte) (version.V, error) {
	if len(b) != 8 {
		return 0, errors.Newf("server: malformed durable version record (%d bytes)", len(b))
	}
	return version.V(binary.BigEndian.Uint64(b)), nil
}
