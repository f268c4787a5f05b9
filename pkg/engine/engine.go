// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package engine defines the Persistent KV Engine capability contract
// the storage server core depends on: an ordered byte-key/byte-value
// store with atomic batches, range deletes, snapshot iterators, and
// range compaction hints, scoped across multiple logical column
// families. pebble.go provides the production implementation backed by
// github.com/cockroachdb/pebble.
package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist in the
// requested column family.
var ErrNotFound = errors.New("engine: key not found")

// ColumnFamily identifies one logical namespace within the engine: the
// unit a PhysicalShard maps onto. CF 0 is reserved for the "metadata"
// family that the Shard Manager uses to persist the shard mapping and
// every other private record family.
type ColumnFamily uint32

// MetadataCF is the always-present column family holding the shard
// mapping and all other persisted private records.
const MetadataCF ColumnFamily = 0

// StoreCapacity reports coarse disk usage, consulted by (out-of-scope)
// allocation decisions but persisted/exposed by the core regardless.
type StoreCapacity struct {
	Capacity  int64
	Available int64
	Used      int64
}

// KV is a single ordered key/value pair as returned by an Iterator.
type KV struct {
	Key   []byte
	Value []byte
}

// Reader is the read side of the engine contract: point gets and
// ordered iteration, both scoped to a single column family and
// optionally pinned to a snapshot.
type Reader interface {
	// Get returns the value for key in cf, or ErrNotFound.
	Get(ctx context.Context, cf ColumnFamily, key []byte) ([]byte, error)

	// NewIterator returns an unpositioned iterator over cf, bounded to
	// [lowerBound, upperBound) when those are non-nil. If snapshot is
	// non-nil, the iterator observes exactly the engine state as of
	// that snapshot, regardless of subsequent writes.
	NewIterator(cf ColumnFamily, lowerBound, upperBound []byte, snapshot *Snapshot) (Iterator, error)

	// NewSnapshot pins the engine's current state for later iteration.
	// The caller must Close the snapshot once done.
	NewSnapshot() *Snapshot
}

// Iterator walks an ordered range of a single column family.
type Iterator interface {
	// SeekGE positions the iterator at the first key >= key.
	SeekGE(key []byte) bool
	// SeekLT positions the iterator at the last key < key.
	SeekLT(key []byte) bool
	// First positions the iterator at the first key in its bounds.
	First() bool
	// Last positions the iterator at the last key in its bounds.
	Last() bool
	// Next advances the iterator and reports whether it is still valid.
	Next() bool
	// Prev retreats the iterator and reports whether it is still valid.
	Prev() bool
	// Valid reports whether the iterator is positioned on an entry.
	Valid() bool
	// Key returns the current entry's key. Only valid after Valid()
	// returns true, and only until the next iterator call.
	Key() []byte
	// Value returns the current entry's value under the same
	// validity/lifetime rules as Key.
	Value() []byte
	// Error returns any error encountered during iteration.
	Error() error
	// Close releases the iterator's resources.
	Close() error
}

// Snapshot pins the engine's state for a bounded span of reads. impl is
// the concrete engine's own snapshot handle (e.g. *pebble.Snapshot),
// type-asserted back out by that engine's NewIterator.
type Snapshot struct {
	impl interface{ Close() error }
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	if s == nil || s.impl == nil {
		return nil
	}
	return s.impl.Close()
}

// Batch accumulates writes to be applied atomically via WriteBatch.
// A single Batch may span multiple column families.
type Batch interface {
	Set(cf ColumnFamily, key, value []byte)
	Delete(cf ColumnFamily, key []byte)
	DeleteRange(cf ColumnFamily, start, end []byte)
	// Len returns the number of logical operations accumulated so far,
	// used by callers (the durability loop) to respect a byte budget
	// approximately without inspecting internal batch representation.
	Len() int
	// Close releases the batch without applying it, for the
	// cancellation path.
	Close() error
}

// WriteOptions controls durability for a single WriteBatch call.
type WriteOptions struct {
	Sync bool
}

// Engine is the full Persistent KV Engine capability set the storage
// server core consumes.
type Engine interface {
	Reader

	// NewBatch returns an empty Batch accumulating writes against this
	// engine, spanning any combination of column families.
	NewBatch() Batch

	// WriteBatch atomically applies b. After a call with opts.Sync,
	// every key in b is durable even across a process crash.
	WriteBatch(ctx context.Context, b Batch, opts WriteOptions) error

	// CreateColumnFamily allocates a new column family and makes it
	// durable immediately; it does not participate in a caller's
	// Batch. The returned id is stable across restarts provided the
	// caller re-derives it the same way (by re-reading the column
	// family directory, not by re-deriving from name collisions).
	CreateColumnFamily(ctx context.Context, name string) (ColumnFamily, error)

	// DropColumnFamily removes a column family and all of its data.
	// It is idempotent: dropping an already-dropped or unknown family
	// is not an error.
	DropColumnFamily(ctx context.Context, cf ColumnFamily) error

	// ListColumnFamilies returns every column family known to the
	// engine's directory, keyed by the name passed to
	// CreateColumnFamily, as reconstructed from the engine's durable
	// state. Called once at open.
	ListColumnFamilies(ctx context.Context) (map[string]ColumnFamily, error)

	// SuggestCompactRange hints that [lo, hi) within cf is a good
	// candidate for compaction (e.g. after a large range delete); the
	// engine may ignore the hint.
	SuggestCompactRange(ctx context.Context, cf ColumnFamily, lo, hi []byte) error

	// Close releases the engine's resources. It does not delete data.
	Close() error

	// Destroy is only valid after Close. PebbleEngine's implementation
	// does nothing: the data directory stays on disk, and removing it
	// is left to whoever owns that directory.
	Destroy() error
}
