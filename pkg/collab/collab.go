// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package collab defines the narrow contracts the storage server core
// requires of its external collaborators: the replicated log cursor,
// the version sequencer, peer storage servers, and the cluster
// connection record. The core depends only on these interfaces; no
// concrete RPC transport is implemented here or anywhere else in this
// module — that remains the hosting process's responsibility.
package collab

import (
	"context"

	"github.com/shardkv/storageserver/pkg/version"
)

// Mutation is a single logical write carried by the replicated log.
// MutationType distinguishes its interpretation.
type Mutation struct {
	Type  MutationType
	Key   []byte // for SetValue, AtomicOp; the begin key for ClearRange
	End   []byte // for ClearRange only: the exclusive end key
	Value []byte // for SetValue; the operand for AtomicOp
	Op    AtomicOpCode
}

// MutationType distinguishes the three shapes a log mutation can take.
type MutationType int

const (
	SetValue MutationType = iota
	ClearRange
	AtomicOp
)

// AtomicOpCode enumerates the in-place value transforms named in the
// design's update-pipeline section.
type AtomicOpCode int

const (
	OpNone AtomicOpCode = iota
	OpAddValue
	OpAnd
	OpOr
	OpXor
	OpAppendIfFits
	OpMax
	OpMin
	OpByteMin
	OpByteMax
	OpMinV2
	OpAndV2
	OpCompareAndClear
)

// Batch is one version's worth of mutations, as delivered by the log
// cursor. Mutations within a batch are applied in slice order.
type Batch struct {
	Version   version.V
	Mutations []Mutation
}

// LogCursor is the replicated log the update pipeline consumes. Peek
// returns a channel of batches strictly increasing in Version, with
// gaps only across known epoch boundaries (never silent reordering).
// The channel is closed when the cursor has nothing further to deliver
// without blocking; callers should re-Peek to keep consuming.
type LogCursor interface {
	Peek(ctx context.Context, afterVersion version.V, tag string) (<-chan Batch, error)

	// PopVersion informs the log that versions <= v tagged tag are no
	// longer needed by this consumer. A cursor popped past its tail by
	// another consumer sharing the tag causes subsequent Peek calls to
	// fail with kverrors.ErrWorkerRemoved.
	PopVersion(ctx context.Context, v version.V, tag string) error

	// GetMinKnownCommittedVersion returns the smallest version the
	// cursor guarantees is committed across all consumers of tag.
	GetMinKnownCommittedVersion(ctx context.Context, tag string) (version.V, error)

	// GetCurrentPeekLocation identifies the log node currently serving
	// this cursor, opaque to the core beyond equality comparison.
	GetCurrentPeekLocation() string
}

// Sequencer issues versions and guarantees monotonicity; for
// private-key mutations it guarantees atomic co-batching with any
// companion user mutations so shard-assignment changes appear to the
// update pipeline as a single atomic batch.
type Sequencer interface {
	// NextCommittedVersion returns the sequencer's current commit
	// version, used by the durability loop to refresh
	// knownCommittedVersion, which the update pipeline then uses to bound
	// desiredOldestVersion.
	NextCommittedVersion(ctx context.Context) (version.V, error)
}

// KeyValue is a single (key, value) pair, as returned by range reads.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// ChangeFeedEntry describes one change feed a peer knows about,
// returned by GetOverlappingChangeFeeds.
type ChangeFeedEntry struct {
	ID             string
	RangeBegin     []byte
	RangeEnd       []byte
	EmptyVersion   version.V
	StorageVersion version.V
	Stopped        bool
}

// FeedMutations is one version's worth of change feed mutations, as
// streamed by GetChangeFeedStream.
type FeedMutations struct {
	Version   version.V
	Mutations []Mutation
}

// PeerStorageServer is another server in the cluster, consulted by the
// Fetcher when a shard is moving onto this server.
type PeerStorageServer interface {
	// GetRange streams [begin, end) at version v in bounded blocks; the
	// returned channel is closed once the range is exhausted or ctx is
	// done. A block may be short of the full byte budget the caller
	// requested; the caller decides whether to request more.
	GetRange(ctx context.Context, begin, end []byte, v version.V) (<-chan []KeyValue, error)

	// GetChangeFeedStream streams mutations for feed id with
	// version in [begin, end), restricted to rangeBegin/rangeEnd.
	GetChangeFeedStream(ctx context.Context, id string, begin, end version.V, rangeBegin, rangeEnd []byte) (<-chan FeedMutations, error)

	// GetOverlappingChangeFeeds returns every change feed registered on
	// the peer whose range intersects [rangeBegin, rangeEnd) and whose
	// data could still be relevant at or after minVersion.
	GetOverlappingChangeFeeds(ctx context.Context, rangeBegin, rangeEnd []byte, minVersion version.V) ([]ChangeFeedEntry, error)
}

// ClusterConnectionRecord is an opaque handle used only by the
// memory-store recovery check for whether this server id can be safely
// removed from the cluster's membership record. The core never
// interprets its contents.
type ClusterConnectionRecord interface {
	CanRemoveStorageServer(ctx context.Context, id string) (bool, error)
}
