// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package readpath

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
)

// sampleEntry is one recorded sample: a key was chosen for sampling and
// attributed sampledCost bytes, an amount picked so that summing
// sampledCost over every key in a range gives an unbiased estimate of
// the range's real on-disk size.
type sampleEntry struct {
	key         []byte
	sampledCost int64
}

func lessSample(a, b *sampleEntry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// ByteSampleMap implements probabilistic byte sampling: it decides, for
// every Set/Clear passing through the update pipeline or fetched from a
// peer, whether to record a sample for that key, choosing the sample's
// attributed cost so the expected value of the total sampled bytes in
// any range equals the range's real byte size. It implements both
// fetch.ByteSampler and updatepipeline.ByteSampler.
//
// The sampling decision is a deterministic function of the key alone
// (via an FNV hash), not the value size, matching the reserved-prefix
// persisted design: a key that is ever sampled is always sampled at the
// same attributed cost regardless of which server or fetch path last
// touched it, which is what makes the sample restart-safe and
// consistent between the primary write path and shard transfer.
type ByteSampleMap struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*sampleEntry]

	factor   int64
	overhead int64

	eng engine.Engine
}

// NewByteSampleMap returns an empty ByteSampleMap. factor controls the
// sampling rate (a larger factor samples fewer keys, each at a larger
// attributed cost); overhead is added to every key's real size before
// the sampling decision to account for per-key engine bookkeeping, so
// that even zero-length values have a nonzero chance of being sampled.
func NewByteSampleMap(factor, overhead int64, eng engine.Engine) *ByteSampleMap {
	if factor <= 0 {
		factor = 1
	}
	return &ByteSampleMap{
		tree:     btree.NewG(32, lessSample),
		factor:   factor,
		overhead: overhead,
		eng:      eng,
	}
}

// sampled reports whether the deterministic hash bucket a key of size
// realSize falls into is below the sampling cutoff. hash(key) is stable
// across calls, so a key's sampling verdict
// never flips between the moment it is written and the moment it is
// later fetched onto another server, which is required for the
// sample-of-sample restart index (BS/BS/) to stay consistent with the
// primary sample record (BS/).
func (m *ByteSampleMap) sampled(key []byte, realSize int64) bool {
	h := fnv.New64a()
	_, _ = h.Write(key)
	bucket := int64(h.Sum64() % uint64(m.factor))
	return bucket < realSize+m.overhead
}

// Sample implements fetch.ByteSampler and updatepipeline.ByteSampler:
// record or clear the sample for key given the size of the value just
// written (valueLen == 0 covers both an empty value and a clear).
func (m *ByteSampleMap) Sample(key []byte, valueLen int) {
	realSize := int64(len(key) + valueLen)
	sample := m.sampled(key, realSize)

	m.mu.Lock()
	k := append([]byte{}, key...)
	existing, hadSample := m.tree.Get(&sampleEntry{key: k})
	switch {
	case sample:
		m.tree.ReplaceOrInsert(&sampleEntry{key: k, sampledCost: m.factor})
	case hadSample:
		m.tree.Delete(existing)
	}
	m.mu.Unlock()

	if m.eng == nil {
		return
	}
	b := m.eng.NewBatch()
	if sample {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(m.factor))
		b.Set(engine.MetadataCF, keys.ByteSampleKey(key), buf[:])
		b.Set(engine.MetadataCF, keys.ByteSampleOfSampleKey(key), nil)
	} else if hadSample {
		b.Delete(engine.MetadataCF, keys.ByteSampleKey(key))
		b.Delete(engine.MetadataCF, keys.ByteSampleOfSampleKey(key))
	}
	if b.Len() == 0 {
		_ = b.Close()
		return
	}
	// Byte-sample persistence is best-effort bookkeeping for split
	// heuristics, not correctness-critical data, so a failed write here
	// is discarded rather than propagated;
	// losing a sample only skews a future split decision, it never
	// corrupts a read.
	_ = m.eng.WriteBatch(context.Background(), b, engine.WriteOptions{Sync: false})
}

// EstimatedRangeSize sums the attributed sampled cost of every sample
// in [begin, end), the estimator the shard manager's split policy
// consults instead of touching every key in a candidate range.
func (m *ByteSampleMap) EstimatedRangeSize(begin, end []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	pivot := &sampleEntry{key: begin}
	m.tree.AscendGreaterOrEqual(pivot, func(e *sampleEntry) bool {
		if end != nil && bytes.Compare(e.key, end) >= 0 {
			return false
		}
		total += e.sampledCost
		return true
	})
	return total
}

// Reconstruct rebuilds the in-memory sample tree from the durable BS/
// records after a restart, using the sample-of-sample index (BS/BS/) as
// the enumeration key space so the rebuild is a single ordered scan
// rather than requiring a scan of the primary sample values themselves.
func (m *ByteSampleMap) Reconstruct(ctx context.Context) error {
	if m.eng == nil {
		return nil
	}
	prefix := keys.ByteSampleOfSamplePrefix()
	it, err := m.eng.NewIterator(engine.MetadataCF, prefix, keys.PrefixEnd(prefix), nil)
	if err != nil {
		return errors.Wrap(err, "readpath: opening byte-sample reconstruction iterator")
	}
	defer it.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for valid := it.First(); valid; valid = it.Next() {
		key := append([]byte{}, it.Key()[len(prefix):]...)
		m.tree.ReplaceOrInsert(&sampleEntry{key: key, sampledCost: m.factor})
	}
	return it.Error()
}

// Len reports the number of currently sampled keys, for tests and
// metrics.
func (m *ByteSampleMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}
