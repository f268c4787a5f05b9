// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemAndPrivateClassification(t *testing.T) {
	require.False(t, IsSystemKey([]byte("b")))
	require.True(t, IsSystemKey(SystemPrefix))
	require.False(t, IsPrivateKey(SystemPrefix))
	require.True(t, IsPrivateKey(ShardAssignedKey([]byte("a"))))
}

func TestChangeFeedDataKeyRoundTrip(t *testing.T) {
	k := ChangeFeedDataKey("feed-1", 12345)
	require.True(t, bytes.HasPrefix(k, ChangeFeedDataPrefix("feed-1")))
	v, err := DecodeChangeFeedDataKey("feed-1", k)
	require.NoError(t, err)
	require.EqualValues(t, 12345, v)

	_, err = DecodeChangeFeedDataKey("other-feed", k)
	require.Error(t, err)
}

func TestChangeFeedDataKeyOrdering(t *testing.T) {
	a := ChangeFeedDataKey("f", 1)
	b := ChangeFeedDataKey("f", 2)
	c := ChangeFeedDataKey("f", 1<<40)
	require.True(t, bytes.Compare(a, b) < 0)
	require.True(t, bytes.Compare(b, c) < 0)
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), PrefixEnd([]byte("a")))
	require.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	require.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestShardMappingKeyOrderingMatchesBeginKeyOrdering(t *testing.T) {
	a := ShardMappingKey([]byte("a"))
	b := ShardMappingKey([]byte("b"))
	require.True(t, bytes.Compare(a, b) < 0)
}
