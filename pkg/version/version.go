// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package version tracks the five monotonic versions that define
// consistency and durability for the storage server core, and the
// invariant chain relating them.
package version

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// V is a 64-bit monotonically non-decreasing version assigned by the
// external sequencer.
type V = int64

// Tracker holds the five versions under a single mutex. The invariant
// chain that Snapshot.CheckInvariants checks is:
//
//	durableVersion <= oldestVersion <= version <= knownCommittedVersion
//
// The Advance methods refuse only to move oldestVersion or
// durableVersion above version; they do not check the rest of the chain.
//
// lastTLogVersion is a collaborator-owned quantity (the log cursor's own
// tail) and is not tracked here; see pkg/collab.LogCursor.
type Tracker struct {
	mu sync.Mutex

	version               V
	desiredOldestVersion  V
	oldestVersion         V
	durableVersion        V
	knownCommittedVersion V

	// waiters are released whenever version advances past their
	// target; waitForVersion registers a channel here instead of
	// busy-polling.
	waiters []versionWaiter

	// durableWaiters is the same pattern for callers blocking on
	// durableVersion (e.g. the Fetcher waiting for its writes to
	// become durable before flipping a shard to ReadWrite).
	durableWaiters []versionWaiter
}

type versionWaiter struct {
	target V
	notify chan struct{}
}

// New returns a Tracker with all versions initialized to v0, the
// version at which the server's data is first considered valid (e.g.
// the version recovered from a durable "Version" record, or 0 for a
// brand-new server).
func New(v0 V) *Tracker {
	return &Tracker{
		version:               v0,
		desiredOldestVersion:  v0,
		oldestVersion:         v0,
		durableVersion:        v0,
		knownCommittedVersion: v0,
	}
}

// Version returns the largest version fully visible to reads.
func (t *Tracker) Version() V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// OldestVersion returns the smallest version still queryable from
// memory; versions below this exist, if at all, only at exactly
// oldestVersion on disk.
func (t *Tracker) OldestVersion() V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldestVersion
}

// DurableVersion returns the largest version guaranteed to survive a
// restart.
func (t *Tracker) DurableVersion() V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durableVersion
}

// DesiredOldestVersion returns the target below which memory may be
// forgotten, as last computed by the update pipeline.
func (t *Tracker) DesiredOldestVersion() V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desiredOldestVersion
}

// KnownCommittedVersion returns the largest log version known committed
// by the external sequencer.
func (t *Tracker) KnownCommittedVersion() V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownCommittedVersion
}

// AdvanceVersion moves `version` forward to v and wakes any
// waitForVersion callers whose target is now satisfied. It is a no-op
// (not an error) if v <= the current version, since duplicate wakeups
// from an idempotent replay must not regress state.
func (t *Tracker) AdvanceVersion(v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.version {
		return
	}
	t.version = v
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if w.target <= v {
			close(w.notify)
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waiters = remaining
}

// SetKnownCommittedVersion records the sequencer's most recently
// reported committed version.
func (t *Tracker) SetKnownCommittedVersion(v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.knownCommittedVersion {
		t.knownCommittedVersion = v
	}
}

// SetDesiredOldestVersion records the update pipeline's latest target
// for memory reclamation, computed as
// min(version-maxLife, knownCommittedVersion-maxLife).
func (t *Tracker) SetDesiredOldestVersion(v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.desiredOldestVersion {
		t.desiredOldestVersion = v
	}
}

// AdvanceOldestVersion moves `oldestVersion` forward. It must never
// exceed `version`; callers (the durability loop) are expected to clamp
// before calling, but this returns an error rather than silently
// violating the invariant chain if they don't.
func (t *Tracker) AdvanceOldestVersion(v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.version {
		return errors.Errorf("version: oldestVersion %d would exceed version %d", v, t.version)
	}
	if v > t.oldestVersion {
		t.oldestVersion = v
	}
	return nil
}

// AdvanceDurableVersion moves `durableVersion` forward and wakes any
// WaitForDurableVersion callers whose target is now satisfied. It
// returns an error if v exceeds `version`; it does not compare v with
// `oldestVersion`. The durability loop advances durableVersion first and
// oldestVersion second within the same promotion.
func (t *Tracker) AdvanceDurableVersion(v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.version {
		return errors.Errorf("version: durableVersion %d would exceed version %d", v, t.version)
	}
	if v > t.durableVersion {
		t.durableVersion = v
		remaining := t.durableWaiters[:0]
		for _, w := range t.durableWaiters {
			if w.target <= v {
				close(w.notify)
			} else {
				remaining = append(remaining, w)
			}
		}
		t.durableWaiters = remaining
	}
	return nil
}

// WaitForDurableVersion blocks until durableVersion reaches at least
// target, or cancellation via done. Used by the Fetcher, never from
// within the update pipeline's own apply loop.
func (t *Tracker) WaitForDurableVersion(target V, done <-chan struct{}) bool {
	t.mu.Lock()
	if t.durableVersion >= target {
		t.mu.Unlock()
		return true
	}
	notify := make(chan struct{})
	t.durableWaiters = append(t.durableWaiters, versionWaiter{target: target, notify: notify})
	t.mu.Unlock()

	select {
	case <-notify:
		return true
	case <-done:
		return false
	}
}

// WaitForVersion blocks the calling goroutine until `version` reaches at
// least target, or cancellation is signaled via the done channel (a
// context.Context's Done(), typically). It is intended to be called off
// the single network-thread goroutine (e.g. from a read-path request
// handler), never from within the update pipeline's own apply loop.
// It returns false if done fired before target was reached.
func (t *Tracker) WaitForVersion(target V, done <-chan struct{}) bool {
	t.mu.Lock()
	if t.version >= target {
		t.mu.Unlock()
		return true
	}
	notify := make(chan struct{})
	t.waiters = append(t.waiters, versionWaiter{target: target, notify: notify})
	t.mu.Unlock()

	select {
	case <-notify:
		return true
	case <-done:
		return false
	}
}

// Snapshot is an immutable copy of all five versions, captured
// atomically for a single request's lifetime.
type Snapshot struct {
	Version               V
	DesiredOldestVersion  V
	OldestVersion         V
	DurableVersion        V
	KnownCommittedVersion V
}

// Snapshot captures the current value of all five versions atomically.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Version:               t.version,
		DesiredOldestVersion:  t.desiredOldestVersion,
		OldestVersion:         t.oldestVersion,
		DurableVersion:        t.durableVersion,
		KnownCommittedVersion: t.knownCommittedVersion,
	}
}

// CheckInvariants verifies the invariant chain from the snapshot. Only
// tests call it; no request or recovery path does.
func (s Snapshot) CheckInvariants() error {
	if s.DurableVersion > s.OldestVersion {
		return errors.Errorf("durableVersion %d > oldestVersion %d", s.DurableVersion, s.OldestVersion)
	}
	if s.OldestVersion > s.Version {
		return errors.Errorf("oldestVersion %d > version %d", s.OldestVersion, s.Version)
	}
	if s.Version > s.KnownCommittedVersion {
		return errors.Errorf("version %d > knownCommittedVersion %d", s.Version, s.KnownCommittedVersion)
	}
	return nil
}
