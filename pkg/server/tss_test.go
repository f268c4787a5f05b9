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
	"github.com/shardkv/storageserver/pkg/keys"
)

func TestTSSPairIDUnsetByDefault(t *testing.T) {
	srv, _, _ := newFixture(t)
	_, ok, err := srv.TSSPairID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTSSPairIDPersistsAcrossPrivateMutation(t *testing.T) {
	srv, cursor, _ := newFixture(t)

	cursor.Push(collab.Batch{Version: 1, Mutations: []collab.Mutation{
		{Type: collab.SetValue, Key: keys.TSSPairIDKey(), Value: []byte("s2")},
	}})
	drain(t, srv, cursor, 0)

	v, ok, err := srv.TSSPairID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("s2"), v)
}
