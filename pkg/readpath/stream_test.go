// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package readpath

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/storageserver/pkg/collab"
)

func TestGetRangeStreamDeliversChunks(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		f.putEngine(t, []byte(k), []byte(k))
	}
	f.advanceTo(1)

	var got []collab.KeyValue
	chunkCount := 0
	err := f.rp.GetRangeStream(context.Background(), nil, nil, 0, 0, 2, 0, 1,
		func(ctx context.Context, chunk StreamChunk) error {
			chunkCount++
			got = append(got, chunk.Result.Rows...)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 3, chunkCount)
	require.Len(t, got, 5)
	require.Equal(t, []byte("a"), got[0].Key)
	require.Equal(t, []byte("e"), got[4].Key)
}

func TestGetRangeStreamDescendingChunks(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		f.putEngine(t, []byte(k), []byte(k))
	}
	f.advanceTo(1)

	var got []collab.KeyValue
	err := f.rp.GetRangeStream(context.Background(), nil, nil, -3, 0, 2, 0, 1,
		func(ctx context.Context, chunk StreamChunk) error {
			got = append(got, chunk.Result.Rows...)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("d"), got[0].Key)
	require.Equal(t, []byte("c"), got[1].Key)
	require.Equal(t, []byte("b"), got[2].Key)
}

func TestGetRangeStreamOnReadyErrorAborts(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"a", "b", "c"} {
		f.putEngine(t, []byte(k), []byte(k))
	}
	f.advanceTo(1)

	boom := errors.New("stop")
	calls := 0
	err := f.rp.GetRangeStream(context.Background(), nil, nil, 0, 0, 1, 0, 1,
		func(ctx context.Context, chunk StreamChunk) error {
			calls++
			return boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestGetRangeStreamContextCancelledStopsFurtherChunks(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"a", "b", "c"} {
		f.putEngine(t, []byte(k), []byte(k))
	}
	f.advanceTo(1)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := f.rp.GetRangeStream(ctx, nil, nil, 0, 0, 1, 0, 1,
		func(ctx context.Context, chunk StreamChunk) error {
			calls++
			cancel()
			return nil
		})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestGetRangeStreamWholeRangeInOneChunkWhenUnbounded(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"a", "b", "c"} {
		f.putEngine(t, []byte(k), []byte(k))
	}
	f.advanceTo(1)

	chunkCount := 0
	err := f.rp.GetRangeStream(context.Background(), nil, nil, 0, 0, 0, 0, 1,
		func(ctx context.Context, chunk StreamChunk) error {
			chunkCount++
			require.Len(t, chunk.Result.Rows, 3)
			require.False(t, chunk.More)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, chunkCount)
}
