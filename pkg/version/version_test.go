// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvariantChainHoldsAfterAdvances(t *testing.T) {
	tr := New(0)
	tr.AdvanceVersion(10)
	tr.SetKnownCommittedVersion(20)
	require.NoError(t, tr.AdvanceOldestVersion(5))
	require.NoError(t, tr.AdvanceDurableVersion(3))
	require.NoError(t, tr.Snapshot().CheckInvariants())
}

func TestAdvanceOldestVersionRejectsPastVersion(t *testing.T) {
	tr := New(0)
	tr.AdvanceVersion(5)
	require.Error(t, tr.AdvanceOldestVersion(10))
}

func TestAdvanceVersionIsMonotonic(t *testing.T) {
	tr := New(0)
	tr.AdvanceVersion(10)
	tr.AdvanceVersion(3)
	require.EqualValues(t, 10, tr.Version())
}

func TestWaitForVersionWakesOnAdvance(t *testing.T) {
	tr := New(0)
	done := make(chan struct{})
	woke := make(chan bool, 1)
	go func() {
		woke <- tr.WaitForVersion(10, done)
	}()

	time.Sleep(10 * time.Millisecond)
	tr.AdvanceVersion(10)

	select {
	case ok := <-woke:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForVersion did not wake up")
	}
}

func TestWaitForVersionCancelled(t *testing.T) {
	tr := New(0)
	done := make(chan struct{})
	close(done)
	require.False(t, tr.WaitForVersion(10, done))
}

func TestWaitForVersionAlreadySatisfied(t *testing.T) {
	tr := New(0)
	tr.AdvanceVersion(20)
	require.True(t, tr.WaitForVersion(10, nil))
}

func TestWaitForDurableVersionWakesOnAdvance(t *testing.T) {
	tr := New(0)
	tr.AdvanceVersion(10)
	done := make(chan struct{})
	woke := make(chan bool, 1)
	go func() {
		woke <- tr.WaitForDurableVersion(7, done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.AdvanceDurableVersion(7))

	select {
	case ok := <-woke:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForDurableVersion did not wake up")
	}
}
