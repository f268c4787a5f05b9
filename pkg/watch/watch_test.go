// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/kverrors"
)

func TestRegisterReturnsImmediatelyWhenAlreadyDiverged(t *testing.T) {
	r := New(1<<20, nil)
	f, err := r.Register(context.Background(), []byte("w"), []byte("old"), 50, []byte("new"), true)
	require.NoError(t, err)
	require.Equal(t, int64(50), int64(f.Version))
}

func TestNotifyKeyWakesRegisteredWatch(t *testing.T) {
	r := New(1<<20, nil)
	done := make(chan Fire, 1)
	go func() {
		f, err := r.Register(context.Background(), []byte("w"), []byte("old"), 50, []byte("old"), true)
		require.NoError(t, err)
		done <- f
	}()

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, time.Millisecond)
	r.NotifyKey([]byte("w"), 60)

	select {
	case f := <-done:
		require.Equal(t, int64(60), int64(f.Version))
	case <-time.After(time.Second):
		t.Fatal("watch was not woken by NotifyKey")
	}
	require.Equal(t, 0, r.Len())
}

func TestCoalescingSameExpectedValueSharesOneEntry(t *testing.T) {
	r := New(1<<20, nil)
	go func() { _, _ = r.Register(context.Background(), []byte("w"), []byte("old"), 1, []byte("old"), true) }()
	go func() { _, _ = r.Register(context.Background(), []byte("w"), []byte("old"), 1, []byte("old"), true) }()
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, time.Millisecond)
}

func TestRegisterFailsWhenBudgetExhausted(t *testing.T) {
	r := New(1, nil)
	_, err := r.Register(context.Background(), []byte("w"), []byte("old"), 1, []byte("old"), true)
	require.ErrorIs(t, err, kverrors.ErrWatchCancelled)
}

func TestContextCancellationRemovesWaiter(t *testing.T) {
	r := New(1<<20, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Register(ctx, []byte("w"), []byte("old"), 1, []byte("old"), true)
	require.Error(t, err)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
}
