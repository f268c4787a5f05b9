// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package shard

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/keys"
)

// shardMappingRecord is the durable encoding of one DataShard, keyed by
// its begin key under keys.ShardMappingKey. The end key travels in the
// value (rather than being derived from the next record's begin key) so
// that a single record can be read or rewritten without consulting its
// neighbors.
type shardMappingRecord struct {
	Begin         []byte
	End           []byte
	PhysicalID    string
	State         State
	Available     bool
	ChangeCounter int64
}

func shardMappingKeyFor(d *DataShard) []byte {
	return keys.ShardMappingKey(d.Range.Begin)
}

// encodeShardMappingValue packs everything but the begin key (which is
// already encoded into the record's key) into the value: endLen(4) end
// physIDLen(4) physID state(1) available(1) changeCounter(8).
func encodeShardMappingValue(d *DataShard) []byte {
	buf := make([]byte, 0, 4+len(d.Range.End)+4+len(d.PhysicalID)+1+1+8)
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(d.Range.End)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, d.Range.End...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(d.PhysicalID)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, d.PhysicalID...)

	buf = append(buf, byte(d.State))
	if d.Available {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint64(tmp[:], uint64(d.ChangeCounter))
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeShardMappingRecord(key, value []byte) (shardMappingRecord, error) {
	mappingPrefix := keys.ShardMappingPrefix()
	if !bytes.HasPrefix(key, mappingPrefix) {
		return shardMappingRecord{}, errors.Newf("shard: mapping key %q missing expected prefix", key)
	}
	begin := append([]byte{}, key[len(mappingPrefix):]...)

	if len(value) < 4 {
		return shardMappingRecord{}, errors.New("shard: truncated mapping record")
	}
	endLen := binary.BigEndian.Uint32(value[:4])
	value = value[4:]
	if uint32(len(value)) < endLen {
		return shardMappingRecord{}, errors.New("shard: truncated mapping record end key")
	}
	end := append([]byte{}, value[:endLen]...)
	value = value[endLen:]

	if len(value) < 4 {
		return shardMappingRecord{}, errors.New("shard: truncated mapping record physical id length")
	}
	idLen := binary.BigEndian.Uint32(value[:4])
	value = value[4:]
	if uint32(len(value)) < idLen {
		return shardMappingRecord{}, errors.New("shard: truncated mapping record physical id")
	}
	physID := string(value[:idLen])
	value = value[idLen:]

	if len(value) < 1+1+8 {
		return shardMappingRecord{}, errors.New("shard: truncated mapping record tail")
	}
	state := State(value[0])
	available := value[1] != 0
	changeCounter := int64(binary.BigEndian.Uint64(value[2:10]))

	var endPtr []byte
	if len(end) > 0 {
		endPtr = end
	}
	return shardMappingRecord{
		Begin:         begin,
		End:           endPtr,
		PhysicalID:    physID,
		State:         state,
		Available:     available,
		ChangeCounter: changeCounter,
	}, nil
}

func persistShardMapping(b engine.Batch, d *DataShard) {
	b.Set(engine.MetadataCF, shardMappingKeyFor(d), encodeShardMappingValue(d))
}
