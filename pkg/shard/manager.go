// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
)

// Manager owns the authoritative range map for this server: which key
// ranges it holds, in which lifecycle state, backed by which physical
// shard. It is mutated from the update pipeline and from the server's
// fetch goroutines, serialized by mu; concurrent readers call Snapshot
// to get a consistent, lock-free view.
//
// Persistence: every mutation to the map is mirrored into the metadata
// column family under keys.ShardMappingPrefix before being considered
// committed, so Reconstruct can rebuild the in-memory map after a
// restart without replaying the mutation log from the beginning.
type Manager struct {
	mu sync.Mutex

	ranges    *rangeMap
	physical  map[string]*PhysicalShard
	nextPhyID int64
}

// New returns an empty Manager. Call Reconstruct immediately after, on
// server start, to recover any durable range mapping.
func New() *Manager {
	return &Manager{
		ranges:   newRangeMap(),
		physical: map[string]*PhysicalShard{},
	}
}

// Snapshot is a point-in-time, read-only view of the range map, safe to
// hand to reader goroutines concurrently with further Manager mutation.
type Snapshot struct {
	ranges   *rangeMap
	physical map[string]*PhysicalShard
}

// ShardFor returns the DataShard owning k, if this server holds k at
// all.
func (s *Snapshot) ShardFor(k []byte) (DataShard, bool) {
	d, ok := s.ranges.shardContaining(k)
	if !ok {
		return DataShard{}, false
	}
	return *d, true
}

// ShardsIntersecting returns every DataShard this server holds that
// intersects r, in ascending start-key order.
func (s *Snapshot) ShardsIntersecting(r Range) []DataShard {
	ds := s.ranges.shardsIntersecting(r)
	out := make([]DataShard, len(ds))
	for i, d := range ds {
		out[i] = *d
	}
	return out
}

// All returns every DataShard this server holds, in ascending start-key
// order.
func (s *Snapshot) All() []DataShard {
	ds := s.ranges.all()
	out := make([]DataShard, len(ds))
	for i, d := range ds {
		out[i] = *d
	}
	return out
}

// PhysicalCF returns the column family backing physicalID, if it is
// currently usable (allocated and not pending delete).
func (s *Snapshot) PhysicalCF(physicalID string) (engine.ColumnFamily, bool) {
	p, ok := s.physical[physicalID]
	if !ok || !p.Usable() {
		return 0, false
	}
	return p.CF, true
}

// Snapshot captures the Manager's current range map and physical shard
// table as an immutable value.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	phys := make(map[string]*PhysicalShard, len(m.physical))
	for id, p := range m.physical {
		cp := *p
		phys[id] = &cp
	}
	return &Snapshot{ranges: m.ranges.clone(), physical: phys}
}

// Reconstruct loads the durable range mapping from eng's metadata
// column family, recreating each referenced physical shard's column
// family handle. Call once at server startup before serving traffic.
func (m *Manager) Reconstruct(ctx context.Context, eng engine.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfs, err := eng.ListColumnFamilies(ctx)
	if err != nil {
		return errors.Wrap(err, "shard: listing column families during reconstruction")
	}
	byName := cfs
	for name := range byName {
		var n int64
		if _, err := fmt.Sscanf(name, "phys-%d", &n); err == nil && n > m.nextPhyID {
			m.nextPhyID = n
		}
	}

	mappingPrefix := keys.ShardMappingPrefix()
	it, err := eng.NewIterator(engine.MetadataCF, mappingPrefix, keys.PrefixEnd(mappingPrefix), nil)
	if err != nil {
		return errors.Wrap(err, "shard: opening shard mapping iterator")
	}
	defer it.Close()

	for valid := it.First(); valid; valid = it.Next() {
		rec, err := decodeShardMappingRecord(it.Key(), it.Value())
		if err != nil {
			return err
		}
		cf, ok := byName[rec.PhysicalID]
		if !ok {
			return errors.Newf("shard: mapping references unknown physical shard %q", rec.PhysicalID)
		}
		p := &PhysicalShard{ID: rec.PhysicalID}
		p.Init(cf)
		m.physical[rec.PhysicalID] = p
		m.ranges.replace(&DataShard{
			Range:         Range{Begin: rec.Begin, End: rec.End},
			PhysicalID:    rec.PhysicalID,
			State:         rec.State,
			Available:     rec.Available,
			ChangeCounter: rec.ChangeCounter,
		})
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "shard: reading shard mapping")
	}
	return nil
}

// AddRange introduces a new DataShard for r in state AddingFetching,
// allocating a fresh physical shard for it, and persists the mapping
// into b. The caller (update pipeline) is responsible for committing b
// durably before acting on the new shard.
func (m *Manager) AddRange(ctx context.Context, eng engine.Engine, b engine.Batch, r Range) (DataShard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.ranges.shardsIntersecting(r) {
		if existing.Range.Intersects(r) {
			return DataShard{}, errors.Newf("shard: add range %v overlaps existing shard %v", r, existing.Range)
		}
	}

	m.nextPhyID++
	physID := fmt.Sprintf("phys-%d", m.nextPhyID)
	cf, err := eng.CreateColumnFamily(ctx, physID)
	if err != nil {
		return DataShard{}, errors.Wrap(err, "shard: creating physical shard column family")
	}
	p := &PhysicalShard{ID: physID}
	p.Init(cf)
	m.physical[physID] = p

	d := &DataShard{
		Range:         r,
		PhysicalID:    physID,
		State:         AddingFetching,
		Available:     false,
		ChangeCounter: 1,
	}
	m.ranges.replace(d)
	persistShardMapping(b, d)
	return *d, nil
}

// SetState transitions the DataShard owning r.Begin to state newState,
// bumping its change counter, and persists the update into b. r must
// exactly match an existing DataShard's range.
func (m *Manager) SetState(b engine.Batch, r Range, newState State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.ranges.shardContaining(r.Begin)
	if !ok || !d.Range.Equal(r) {
		return errors.Newf("shard: no exact shard for range %v", r)
	}
	d.State = newState
	if newState == ReadWrite {
		d.Available = true
	}
	d.ChangeCounter++
	persistShardMapping(b, d)
	return nil
}

// RemoveRange deletes the DataShard exactly matching r, marks its
// physical shard for deletion, and persists both changes into b. It
// does not itself drop the underlying column family — CleanUpShards
// does that once no DataShard references the physical shard any more,
// giving any in-flight reader snapshot a chance to finish.
func (m *Manager) RemoveRange(b engine.Batch, r Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.ranges.shardContaining(r.Begin)
	if !ok || !d.Range.Equal(r) {
		return errors.Newf("shard: no exact shard for range %v", r)
	}
	m.ranges.remove(d)
	b.Delete(engine.MetadataCF, shardMappingKeyFor(d))

	stillReferenced := false
	for _, other := range m.ranges.all() {
		if other.PhysicalID == d.PhysicalID {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		if p, ok := m.physical[d.PhysicalID]; ok {
			p.deletePending = true
		}
	}
	return nil
}

// CleanUpShards drops the column family for every physical shard
// marked deletePending and no longer referenced by any DataShard,
// returning the number of physical shards actually dropped. Call
// periodically from the update pipeline's idle loop.
func (m *Manager) CleanUpShards(ctx context.Context, eng engine.Engine) (int, error) {
	m.mu.Lock()
	var toDrop []*PhysicalShard
	for _, p := range m.physical {
		if p.deletePending {
			toDrop = append(toDrop, p)
		}
	}
	m.mu.Unlock()

	dropped := 0
	for _, p := range toDrop {
		if err := eng.DropColumnFamily(ctx, p.CF); err != nil {
			return dropped, errors.Wrapf(err, "shard: dropping physical shard %s", p.ID)
		}
		m.mu.Lock()
		delete(m.physical, p.ID)
		m.mu.Unlock()
		dropped++
	}
	return dropped, nil
}
