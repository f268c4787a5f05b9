// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package watch implements the watch registry: one-shot
// key+expected-value triggers that fire when the effective value at a
// key diverges from what a caller last observed. At most one watch
// record is kept per key; repeated registrations with the same
// expected value coalesce onto the same promise fan-out.
package watch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/version"
)

// Fire describes why a watch resolved.
type Fire struct {
	// Version is the version at which the value was observed to have
	// changed; zero if the watch was cancelled instead of fired.
	Version version.V
	// Cancelled is never set by this package: watches are not evicted,
	// and a registration that would exceed the memory budget fails with
	// ErrWatchCancelled instead of returning a Fire.
	Cancelled bool
}

// entry is one outstanding watch on a single key. Every registration
// with an identical expectedValue against an already-watched key
// coalesces onto the same entry's waiter list instead of allocating a
// second entry.
type entry struct {
	expected []byte
	waiters  []chan Fire
	bytes    int64
}

// Registry holds every outstanding watch, keyed by watched key. It is
// safe for concurrent use: NotifyKey/NotifyRange are called from the
// update pipeline's apply path, Register from read-path request
// goroutines.
type Registry struct {
	mu sync.Mutex

	byKey     map[string]*entry
	usedBytes int64
	budget    int64
	metrics   *metrics.Registry
}

// New returns an empty Registry enforcing budgetBytes total across all
// outstanding watches.
func New(budgetBytes int64, m *metrics.Registry) *Registry {
	return &Registry{byKey: map[string]*entry{}, budget: budgetBytes, metrics: m}
}

func watchCost(key, expected []byte) int64 {
	return int64(len(key) + len(expected) + 64) // fixed per-entry bookkeeping overhead
}

// Register waits for the value at key to diverge from expectedValue at
// or after registerVersion, or for ctx to be cancelled. currentValue
// and currentHasValue describe the value already observed by the
// caller at registration time (the read path's own consistent read of
// key, taken under the same shard snapshot); if it already differs
// from expectedValue, Register returns immediately with the version
// the caller supplies as "now".
func (r *Registry) Register(ctx context.Context, key, expectedValue []byte, now version.V, currentValue []byte, currentHasValue bool) (Fire, error) {
	if !valuesEqual(currentValue, currentHasValue, expectedValue) {
		return Fire{Version: now}, nil
	}

	r.mu.Lock()
	k := string(key)
	e, ok := r.byKey[k]
	if ok && !valuesEqual(e.expected, true, expectedValue) {
		// A different expected value is already registered for this
		// key; per "at most one watch record per key", the newer
		// registration replaces it — the old waiters were watching a
		// value that is, by construction, already stale relative to
		// this caller's view, so they are woken as if the key changed.
		r.wakeLocked(e, Fire{Version: now})
		ok = false
	}
	if !ok {
		cost := watchCost(key, expectedValue)
		if r.usedBytes+cost > r.budget {
			r.mu.Unlock()
			return Fire{}, errors.Wrap(kverrors.ErrWatchCancelled, "watch: memory budget exceeded")
		}
		e = &entry{expected: copyOrNil(expectedValue), bytes: cost}
		r.byKey[k] = e
		r.usedBytes += cost
		if r.metrics != nil {
			r.metrics.WatchCount.Set(float64(len(r.byKey)))
		}
	}
	ch := make(chan Fire, 1)
	e.waiters = append(e.waiters, ch)
	r.mu.Unlock()

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		r.removeWaiter(k, ch)
		return Fire{}, ctx.Err()
	}
}

func (r *Registry) removeWaiter(k string, ch chan Fire) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[k]
	if !ok {
		return
	}
	kept := e.waiters[:0]
	for _, w := range e.waiters {
		if w != ch {
			kept = append(kept, w)
		}
	}
	e.waiters = kept
	if len(e.waiters) == 0 {
		delete(r.byKey, k)
		r.usedBytes -= e.bytes
		if r.metrics != nil {
			r.metrics.WatchCount.Set(float64(len(r.byKey)))
		}
	}
}

// valuesEqual compares a read result against a caller-supplied expected
// value. expected == nil means "expect the key to be absent"; any other
// []byte, including an empty non-nil slice, means "expect exactly this
// value present".
func valuesEqual(value []byte, hasValue bool, expected []byte) bool {
	if expected == nil {
		return !hasValue
	}
	if !hasValue {
		return false
	}
	return bytesEqual(value, expected)
}

func copyOrNil(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Registry) wakeLocked(e *entry, f Fire) {
	for _, ch := range e.waiters {
		ch <- f
	}
	e.waiters = nil
}

// NotifyKey implements updatepipeline.WatchTrigger: wake every watch on
// key with the version the write landed at, since a SetValue mutation
// at any version is by definition a change (the update pipeline never
// applies a mutation that couldn't have changed the stored value).
func (r *Registry) NotifyKey(key []byte, v version.V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := string(key)
	e, ok := r.byKey[k]
	if !ok {
		return
	}
	r.wakeLocked(e, Fire{Version: v})
	delete(r.byKey, k)
	r.usedBytes -= e.bytes
	if r.metrics != nil {
		r.metrics.WatchCount.Set(float64(len(r.byKey)))
	}
}

// NotifyRange implements updatepipeline.WatchTrigger: wake every watch
// on a key inside [begin, end), for a ClearRange mutation, with the
// version the clear landed at.
func (r *Registry) NotifyRange(begin, end []byte, v version.V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.byKey {
		if keyInRange([]byte(k), begin, end) {
			r.wakeLocked(e, Fire{Version: v})
			delete(r.byKey, k)
			r.usedBytes -= e.bytes
		}
	}
	if r.metrics != nil {
		r.metrics.WatchCount.Set(float64(len(r.byKey)))
	}
}

func keyInRange(k, begin, end []byte) bool {
	if string(k) < string(begin) {
		return false
	}
	return end == nil || string(k) < string(end)
}

// Len reports the number of outstanding distinct watched keys, for
// tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
