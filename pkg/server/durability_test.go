// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
)

// promoting a write to durable storage forgets its entry in the
// Versioned Map's latest working view: once the engine holds the
// value, the map no longer needs to shadow it.
func TestPromoteDurablePrunesVersionedMapEntry(t *testing.T) {
	srv, cursor, _ := newFixture(t)
	ctx := context.Background()

	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: []byte("a"), Value: []byte("1")},
	}})
	drain(t, srv, cursor, 0)

	_, ok := srv.vm.AtLatest().Get([]byte("a"))
	require.True(t, ok, "value must be visible in the Versioned Map before it is durable")

	require.NoError(t, srv.promoteDurable(ctx))

	_, ok = srv.vm.AtLatest().Get([]byte("a"))
	require.False(t, ok, "durable entries must be pruned from the Versioned Map's latest view")

	val, ok, err := srv.GetValue(ctx, []byte("a"), srv.Version())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)
}
