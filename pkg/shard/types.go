// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package shard implements the Shard Manager and the shard state
// machine: mapping a key range to a physical shard, persisting that
// mapping durably, and tracking each data shard's lifecycle from
// NotAssigned through ReadWrite.
package shard

import (
	"bytes"

	"github.com/google/btree"

	"github.com/shardkv/storageserver/pkg/engine"
)

// State is the shard lifecycle state machine's current node.
type State int

const (
	NotAssigned State = iota
	AddingFetching
	AddingWaiting
	ReadWrite
)

func (s State) String() string {
	switch s {
	case NotAssigned:
		return "NotAssigned"
	case AddingFetching:
		return "Adding/Fetching"
	case AddingWaiting:
		return "Adding/Waiting"
	case ReadWrite:
		return "ReadWrite"
	default:
		return "Unknown"
	}
}

// Readable reports whether a shard in this state should be consulted by
// the read path (ReadWrite only — Adding shards are not yet caught up,
// NotAssigned shards are not ours).
func (s State) Readable() bool { return s == ReadWrite }

// Writable reports whether the update pipeline should apply ordinary
// user mutations directly into VM/ML for a shard in this state (or
// queue them, for AddingFetching; see updatepipeline).
func (s State) Writable() bool { return s == ReadWrite || s == AddingWaiting }

// Range is a half-open byte-key interval [Begin, End). An empty End
// means "no upper bound" (extends to the top of the keyspace).
type Range struct {
	Begin []byte
	End   []byte
}

// Contains reports whether k falls in [r.Begin, r.End).
func (r Range) Contains(k []byte) bool {
	if bytes.Compare(k, r.Begin) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(k, r.End) < 0
}

// Intersects reports whether r and o share any key.
func (r Range) Intersects(o Range) bool {
	if r.End != nil && bytes.Compare(o.Begin, r.End) >= 0 {
		return false
	}
	if o.End != nil && bytes.Compare(r.Begin, o.End) >= 0 {
		return false
	}
	return true
}

// Equal reports exact range equality.
func (r Range) Equal(o Range) bool {
	return bytes.Equal(r.Begin, o.Begin) && bytes.Equal(r.End, o.End)
}

// PhysicalShard is a single engine column family holding durable bytes
// for one or more DataShards. A PhysicalShard becomes usable only after
// Init succeeds, and once deletePending is set it may no longer be read
// from.
type PhysicalShard struct {
	ID            string
	CF            engine.ColumnFamily
	inited        bool
	deletePending bool
}

// Init allocates the underlying column family for p. It must succeed
// before p is attached to any DataShard.
func (p *PhysicalShard) Init(cf engine.ColumnFamily) {
	p.CF = cf
	p.inited = true
}

// Usable reports whether reads/writes may target p.
func (p *PhysicalShard) Usable() bool {
	return p.inited && !p.deletePending
}

// DataShard is a maximal contiguous key range owned by this server,
// backed by one PhysicalShard, carrying a single lifecycle State.
type DataShard struct {
	Range         Range
	PhysicalID    string
	State         State
	Available     bool
	ChangeCounter int64
}

// lessDataShard orders *DataShard values inside a btree.BTreeG,
// ordered by the range's start key. Two DataShards with the same start
// key can never coexist (ranges partition the keyspace), so this is a
// total order over the set of shards actually held at any instant.
func lessDataShard(a, b *DataShard) bool {
	return bytes.Compare(a.Range.Begin, b.Range.Begin) < 0
}

// rangeMap is the ordered, copy-on-write index of DataShards by start
// key, the concrete structure behind ShardManager's "which physical
// shard owns this key" queries. Copy-on-write via btree.Clone lets a
// reader capture an atomic snapshot at request entry without blocking
// the single writer goroutine.
type rangeMap struct {
	t *btree.BTreeG[*DataShard]
}

func newRangeMap() *rangeMap {
	return &rangeMap{t: btree.NewG(32, lessDataShard)}
}

// clone returns a cheap copy-on-write snapshot of m, safe to hand to a
// reader goroutine while the writer keeps mutating its own copy.
func (m *rangeMap) clone() *rangeMap {
	return &rangeMap{t: m.t.Clone()}
}

// shardContaining returns the DataShard whose range contains k, if any.
func (m *rangeMap) shardContaining(k []byte) (*DataShard, bool) {
	var found *DataShard
	m.t.DescendLessOrEqual(&DataShard{Range: Range{Begin: k}}, func(d *DataShard) bool {
		found = d
		return false
	})
	if found == nil {
		return nil, false
	}
	if !found.Range.Contains(k) {
		return nil, false
	}
	return found, true
}

// shardsIntersecting returns every DataShard intersecting r, in
// ascending start-key order.
func (m *rangeMap) shardsIntersecting(r Range) []*DataShard {
	var out []*DataShard
	// Start from the shard containing r.Begin, if any, so a range that
	// begins mid-shard is still included.
	start := &DataShard{Range: Range{Begin: r.Begin}}
	if first, ok := m.shardContaining(r.Begin); ok {
		start = first
	}
	m.t.AscendGreaterOrEqual(start, func(d *DataShard) bool {
		if r.End != nil && bytes.Compare(d.Range.Begin, r.End) >= 0 {
			return false
		}
		if d.Range.Intersects(r) {
			out = append(out, d)
		}
		return true
	})
	return out
}

// all returns every DataShard in ascending start-key order.
func (m *rangeMap) all() []*DataShard {
	var out []*DataShard
	m.t.Ascend(func(d *DataShard) bool {
		out = append(out, d)
		return true
	})
	return out
}

func (m *rangeMap) replace(d *DataShard) {
	m.t.ReplaceOrInsert(d)
}

func (m *rangeMap) remove(d *DataShard) {
	m.t.Delete(d)
}
