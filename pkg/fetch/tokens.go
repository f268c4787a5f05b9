// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package fetch

import (
	"context"
	"sync"
)

// Semaphore bounds the number of concurrent fetches: a global
// parallelism token acquired before streaming a shard's range and
// released once the transfer completes or aborts.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore returns a Semaphore allowing n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a token is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the pool.
func (s *Semaphore) Release() {
	select {
	case <-s.tokens:
	default:
	}
}

// ByteBudget is a per-process byte allowance for in-flight fetch
// traffic, drained by Acquire and replenished by Release, with
// cancellable blocking reusing the same waiter-channel pattern as
// pkg/version's version Tracker rather than sync.Cond, so a fetch can
// abandon its wait when its context is cancelled.
type ByteBudget struct {
	mu        sync.Mutex
	remaining int64
	waiters   []chan struct{}
}

// NewByteBudget returns a ByteBudget starting with total bytes.
func NewByteBudget(total int64) *ByteBudget {
	return &ByteBudget{remaining: total}
}

// Acquire blocks until n bytes are available, deducts them, and
// returns. It returns ctx.Err() if cancelled first.
func (b *ByteBudget) Acquire(ctx context.Context, n int64) error {
	for {
		b.mu.Lock()
		if b.remaining >= n {
			b.remaining -= n
			b.mu.Unlock()
			return nil
		}
		notify := make(chan struct{})
		b.waiters = append(b.waiters, notify)
		b.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release returns n bytes to the budget and wakes one waiter.
func (b *ByteBudget) Release(n int64) {
	b.mu.Lock()
	b.remaining += n
	var w chan struct{}
	if len(b.waiters) > 0 {
		w, b.waiters = b.waiters[0], b.waiters[1:]
	}
	b.mu.Unlock()
	if w != nil {
		close(w)
	}
}
