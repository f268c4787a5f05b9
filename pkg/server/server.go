// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package server composes the storage server's core subsystems — the
// Shard Manager, Versioned Map, Mutation Log, Update Pipeline, Fetcher,
// Read Path, Watch registry, and Change-Feed Engine — into one running
// instance, and owns the background loops that drive them: consuming
// the replicated log, promoting mutations to durable storage, and
// dispatching shard transfers. It depends only on pkg/collab's narrow
// interfaces for anything that would otherwise require a network
// transport; wiring an actual RPC surface onto a Server is left to the
// hosting process (see cmd/storageserver for the CLI entry point).
package server

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"

	"github.com/shardkv/storageserver/pkg/changefeed"
	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/fetch"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/logutil"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/mutationlog"
	"github.com/shardkv/storageserver/pkg/readpath"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/updatepipeline"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
	"github.com/shardkv/storageserver/pkg/watch"
)

// Deps bundles a Server's external collaborators: the local engine plus
// everything pkg/collab requires of the surrounding cluster.
type Deps struct {
	// ID names this server for LogCursor tagging and change-feed peer
	// lookups. Must be stable across restarts of the same server.
	ID string

	Engine        engine.Engine
	LogCursor     collab.LogCursor
	Sequencer     collab.Sequencer
	Peer          collab.PeerStorageServer
	ClusterRecord collab.ClusterConnectionRecord

	Config  config.Config
	Metrics *metrics.Registry
	Logger  *logutil.Logger
}

// Server is one running storage server core. Its exported read/watch
// methods are safe for concurrent use by many caller goroutines; the
// mutating subsystems it owns (Shard Manager, VM, ML, Update Pipeline)
// are internally synchronized to the single-writer model their own
// packages describe.
type Server struct {
	deps Deps

	shards   *shard.Manager
	vm       *vmap.VM
	versions *version.Tracker
	log      *mutationlog.Log
	samples  *readpath.ByteSampleMap
	watches  *watch.Registry
	feeds    *changefeed.Engine
	pipeline *updatepipeline.Pipeline
	fetcher  *fetch.Fetcher
	reads    *readpath.RP

	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetchMu       sync.Mutex
	fetchInFlight map[string]version.V
}

func recoverDurableVersion(ctx context.Context, eng engine.Engine) (version.V, error) {
	val, err := eng.Get(ctx, engine.MetadataCF, keys.DurableVersionKey())
	if errors.Is(err, engine.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "server: reading recovered durable version")
	}
	return decodeVersion(val)
}

// New builds a Server from deps, reconstructing every subsystem's
// in-memory state from what deps.Engine already holds durably. It does
// not start any background loop; call Run for that.
func New(ctx context.Context, deps Deps) (*Server, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.Logger == nil {
		deps.Logger = logutil.NewNop()
	}

	shards := shard.New()
	if err := shards.Reconstruct(ctx, deps.Engine); err != nil {
		return nil, errors.Wrap(err, "server: reconstructing shard map")
	}

	v0, err := recoverDurableVersion(ctx, deps.Engine)
	if err != nil {
		return nil, err
	}
	versions := version.New(v0)

	feeds := changefeed.New(changefeed.Deps{Engine: deps.Engine, Peer: deps.Peer, Metrics: deps.Metrics})
	if err := feeds.Reconstruct(ctx); err != nil {
		return nil, errors.Wrap(err, "server: reconstructing change feeds")
	}

	samples := readpath.NewByteSampleMap(deps.Config.ByteSampleFactor, deps.Config.ByteSampleOverhead, deps.Engine)
	if err := samples.Reconstruct(ctx); err != nil {
		return nil, errors.Wrap(err, "server: reconstructing byte samples")
	}

	vm := vmap.New()
	log := mutationlog.New()
	watches := watch.New(deps.Config.WatchByteBudget, deps.Metrics)

	pipeline := updatepipeline.New(updatepipeline.Deps{
		Engine:      deps.Engine,
		Versions:    versions,
		Shards:      shards,
		VM:          vm,
		Log:         log,
		Watches:     watches,
		ChangeFeeds: feeds,
		Sampler:     samples,
		Config:      deps.Config,
		Metrics:     deps.Metrics,
	})

	fetcher := fetch.New(fetch.Deps{
		Engine:      deps.Engine,
		Versions:    versions,
		Peer:        deps.Peer,
		Parallelism: fetch.NewSemaphore(deps.Config.FetchParallelism),
		Bytes:       fetch.NewByteBudget(deps.Config.FetchByteBudget),
		Sampler:     samples,
		ChangeFeeds: feeds,
		Injector:    pipeline,
		Metrics:     deps.Metrics,
		Backpressure: func() bool {
			return log.ShouldBrake(deps.Config.DurabilityLagHardMax, versions.DesiredOldestVersion(), versions.DurableVersion())
		},
	})

	reads := readpath.New(readpath.Deps{
		Engine:   deps.Engine,
		Shards:   shards,
		VM:       vm,
		Versions: versions,
		Watches:  watches,
		Samples:  samples,
		Config:   deps.Config,
		Metrics:  deps.Metrics,
	})

	return &Server{
		deps:          deps,
		shards:        shards,
		vm:            vm,
		versions:      versions,
		log:           log,
		samples:       samples,
		watches:       watches,
		feeds:         feeds,
		pipeline:      pipeline,
		fetcher:       fetcher,
		reads:         reads,
		fetchInFlight: map[string]version.V{},
	}, nil
}

// Run starts the apply, durability, and fetch-dispatch loops and blocks
// until ctx is cancelled or a loop fails unrecoverably, at which point
// it stops the others and returns the failing error.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	errCh := make(chan error, 3)
	s.wg.Add(3)
	go func() { defer s.wg.Done(); errCh <- s.applyLoop(ctx) }()
	go func() { defer s.wg.Done(); errCh <- s.durabilityLoop(ctx) }()
	go func() { defer s.wg.Done(); errCh <- s.fetchLoop(ctx) }()

	err := <-errCh
	cancel()
	s.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels every background loop started by Run and waits for them
// to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func ctxWithServerTag(ctx context.Context, id string) context.Context {
	return logutil.WithTags(ctx, logtags.SingleTagBuffer("server", id))
}

// GetValue serves a point read through the Read Path.
func (s *Server) GetValue(ctx context.Context, key []byte, v version.V) ([]byte, bool, error) {
	return s.reads.GetValue(ctx, key, v)
}

// GetKey resolves a key selector through the Read Path.
func (s *Server) GetKey(ctx context.Context, sel readpath.KeySelector, v version.V) (readpath.KeyResult, error) {
	return s.reads.GetKey(ctx, sel, v)
}

// GetRange serves a bounded range read through the Read Path.
func (s *Server) GetRange(ctx context.Context, begin, end []byte, rowLimit int, byteLimit int64, v version.V) (readpath.RangeResult, error) {
	return s.reads.GetRange(ctx, begin, end, rowLimit, byteLimit, v)
}

// GetRangeStream serves a chunked, backpressured range read.
func (s *Server) GetRangeStream(
	ctx context.Context, begin, end []byte, rowLimit int, byteLimit int64, chunkRowLimit int, chunkByteLimit int64, v version.V,
	onReady readpath.OnReady,
) error {
	return s.reads.GetRangeStream(ctx, begin, end, rowLimit, byteLimit, chunkRowLimit, chunkByteLimit, v, onReady)
}

// GetMappedRange serves an indexed fan-out read.
func (s *Server) GetMappedRange(ctx context.Context, begin, end []byte, rowLimit int, byteLimit int64, template string, v version.V) (readpath.MappedRangeResult, error) {
	return s.reads.GetMappedRange(ctx, begin, end, rowLimit, byteLimit, template, v)
}

// RegisterWatch registers a watch on key, firing when its value diverges
// from expectedValue.
func (s *Server) RegisterWatch(ctx context.Context, key, expectedValue []byte, currentValue []byte, currentHasValue bool) (watch.Fire, error) {
	return s.watches.Register(ctx, key, expectedValue, s.versions.Version(), currentValue, currentHasValue)
}

// StreamChangeFeed returns feedID's mutations with version in [begin,
// end), restricted to filterRange, as of the server's current version.
func (s *Server) StreamChangeFeed(ctx context.Context, feedID string, begin, end version.V, filterRange shard.Range) ([]changefeed.StreamEntry, error) {
	return s.feeds.Stream(ctx, feedID, begin, end, filterRange, s.versions.Version(), s.versions.KnownCommittedVersion())
}

// Version returns the current read-visible version.
func (s *Server) Version() version.V { return s.versions.Version() }

// Metrics returns the server's metrics registry, for exposition by the
// hosting process's HTTP handler.
func (s *Server) Metrics() *metrics.Registry { return s.deps.Metrics }

// TSSPairID returns the primary server id this server shadows, if it
// has been paired as a tombstone-shadow server. The core never acts on
// this value itself; comparing TSS results against its primary is a
// collaborator concern.
func (s *Server) TSSPairID(ctx context.Context) ([]byte, bool, error) {
	v, err := s.deps.Engine.Get(ctx, engine.MetadataCF, keys.TSSPairIDKey())
	if errors.Is(err, engine.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "server: reading TSS pair id")
	}
	return v, true, nil
}

// TSSQuarantined reports whether this server has been quarantined as a
// tombstone-shadow server, and the quarantine record's raw value.
func (s *Server) TSSQuarantined(ctx context.Context) ([]byte, bool, error) {
	v, err := s.deps.Engine.Get(ctx, engine.MetadataCF, keys.TSSQuarantinedKey())
	if errors.Is(err, engine.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "server: reading TSS quarantine record")
	}
	return v, true, nil
}
