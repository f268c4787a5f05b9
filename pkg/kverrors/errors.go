// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kverrors defines the closed error taxonomy surfaced to
// collaborators, per the error-handling design. Every sentinel is
// constructed with github.com/cockroachdb/errors so that wrapping with
// Wrap/Wrapf preserves Is-membership, and every sentinel below is
// intended to be tested for with errors.Is, never string comparison.
package kverrors

import "github.com/cockroachdb/errors"

// Routing.
var ErrWrongShardServer = errors.New("storageserver: wrong shard server")

// Timeliness.
var (
	ErrTransactionTooOld = errors.New("storageserver: transaction too old")
	ErrFutureVersion     = errors.New("storageserver: future version")
	ErrTimedOut          = errors.New("storageserver: timed out")
)

// Load.
var (
	ErrServerOverloaded = errors.New("storageserver: server overloaded")
	ErrWatchCancelled   = errors.New("storageserver: watch cancelled")
)

// Feed lifecycle.
var (
	ErrUnknownChangeFeed       = errors.New("storageserver: unknown change feed")
	ErrChangeFeedNotRegistered = errors.New("storageserver: change feed not registered")
	ErrEndOfStream             = errors.New("storageserver: end of stream")
)

// Invariant violations.
var ErrInternal = errors.New("storageserver: internal invariant violation")

// Storage.
var (
	ErrIOError     = errors.New("storageserver: io error")
	ErrFileCorrupt = errors.New("storageserver: file corrupt")
)

// Fatal / control-flow errors. These are never propagated through
// arbitrary call sites; only the top-level server actor observes them
// and performs an orderly teardown.
var (
	ErrWorkerRemoved = errors.New("storageserver: worker removed")
	ErrPleaseReboot  = errors.New("storageserver: please reboot")
)

// Mapper / quick-get errors for getMappedRange.
var (
	ErrMapperBadIndex           = errors.New("storageserver: mapper bad index")
	ErrMapperBadRangeDescriptor = errors.New("storageserver: mapper bad range descriptor")
	ErrQuickGetValueMiss        = errors.New("storageserver: quick get value miss")
	ErrQuickGetKeyValuesMiss    = errors.New("storageserver: quick get key values miss")
	ErrQuickGetKeyValuesHasMore = errors.New("storageserver: quick get key values has more")
)

// WrongShard constructs a wrapped ErrWrongShardServer carrying the key
// or range that triggered it, for %v / %+v formatting by callers.
func WrongShard(detail string) error {
	return errors.Wrapf(ErrWrongShardServer, "%s", detail)
}

// TooOld constructs a wrapped ErrTransactionTooOld carrying the
// requested and oldest versions.
func TooOld(requested, oldest int64) error {
	return errors.Wrapf(ErrTransactionTooOld, "requested version %d below oldest version %d", requested, oldest)
}

// Future constructs a wrapped ErrFutureVersion carrying the requested
// and current versions.
func Future(requested, current int64) error {
	return errors.Wrapf(ErrFutureVersion, "requested version %d above current version %d", requested, current)
}
