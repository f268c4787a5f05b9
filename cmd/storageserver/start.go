// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shardkv/storageserver/pkg/config"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/localcollab"
	"github.com/shardkv/storageserver/pkg/logutil"
	"github.com/shardkv/storageserver/pkg/metrics"
	"github.com/shardkv/storageserver/pkg/server"
	"github.com/shardkv/storageserver/pkg/shard"
)

// startCtx holds every start flag's destination. Grouped in one struct
// so runStart can be handed the whole bag without a long parameter
// list, in the style of this lineage's own server startup context.
var startCtx struct {
	id             string
	dataDir        string
	memtableBytes  int64
	blockCacheSize int64
	metricsAddr    string
	logLevel       string
	bootstrap      bool
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start a storage server instance",
	Long: `
Starts one storage server core instance: opens the Pebble engine at
--store, wires the shard manager, versioned map, mutation log, update
pipeline, fetcher, and read path into a running pkg/server.Server, and
serves Prometheus metrics at --metrics-addr until interrupted.

This binary contains no cluster transport: it runs standalone, using
an in-process log cursor and sequencer (pkg/localcollab) in place of a
real replicated log. Wiring a production LogCursor/Sequencer/Peer
implementation is left to a caller embedding pkg/server directly.
`,
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startCtx.id, "id", "s1", "stable identifier for this server, used for log-cursor tagging")
	f.StringVar(&startCtx.dataDir, "store", "storageserver-data", "data directory for the Pebble engine")
	f.Int64Var(&startCtx.memtableBytes, "engine-memtable-bytes", 64<<20, "Pebble memtable size in bytes")
	f.Int64Var(&startCtx.blockCacheSize, "engine-cache-bytes", 1<<30, "Pebble block cache size in bytes")
	f.StringVar(&startCtx.metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	f.StringVar(&startCtx.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	f.BoolVar(&startCtx.bootstrap, "bootstrap", false, "on a store with no shard map yet, add a single whole-keyspace shard and mark it read-write")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := logutil.New(startCtx.logLevel)
	if err != nil {
		return errors.Wrap(err, "storageserver: constructing logger")
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(startCtx.dataDir, 0o755); err != nil {
		return errors.Wrap(err, "storageserver: creating data directory")
	}
	eng, err := engine.OpenPebble(startCtx.dataDir, startCtx.blockCacheSize, uint64(startCtx.memtableBytes))
	if err != nil {
		return errors.Wrap(err, "storageserver: opening engine")
	}
	defer func() { _ = eng.Close() }()

	if startCtx.bootstrap {
		if err := bootstrapWholeKeyspaceShard(ctx, eng); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	cfg := config.Default()

	cursor := localcollab.NewStandalone(0)
	srv, err := server.New(ctx, server.Deps{
		ID:        startCtx.id,
		Engine:    eng,
		LogCursor: cursor,
		Sequencer: cursor,
		Config:    cfg,
		Metrics:   metricsRegistry,
		Logger:    logger,
	})
	if err != nil {
		return errors.Wrap(err, "storageserver: constructing server")
	}

	httpSrv := &http.Server{Addr: startCtx.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf(ctx, "metrics server: %v", err)
		}
	}()

	logger.Infof(ctx, "storage server %s listening for metrics on %s, data in %s", startCtx.id, startCtx.metricsAddr, startCtx.dataDir)

	runErr := srv.Run(ctx)
	_ = httpSrv.Close()
	if runErr != nil {
		return errors.Wrap(runErr, "storageserver: server exited")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "storage server shut down cleanly")
	return nil
}

// bootstrapWholeKeyspaceShard gives a brand-new store a single
// read-write shard covering the entire keyspace, so a standalone
// server has somewhere to write without first driving a shard
// assignment through the update pipeline. It is a no-op if the store
// already has any shard.
func bootstrapWholeKeyspaceShard(ctx context.Context, eng engine.Engine) error {
	m := shard.New()
	if err := m.Reconstruct(ctx, eng); err != nil {
		return errors.Wrap(err, "storageserver: reconstructing shard map for bootstrap")
	}
	if len(m.Snapshot().All()) > 0 {
		return nil
	}
	b := eng.NewBatch()
	d, err := m.AddRange(ctx, eng, b, shard.Range{})
	if err != nil {
		_ = b.Close()
		return errors.Wrap(err, "storageserver: bootstrapping whole-keyspace shard")
	}
	if err := m.SetState(b, d.Range, shard.ReadWrite); err != nil {
		_ = b.Close()
		return errors.Wrap(err, "storageserver: marking bootstrap shard read-write")
	}
	return eng.WriteBatch(ctx, b, engine.WriteOptions{Sync: true})
}
