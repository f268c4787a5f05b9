// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package keys defines the byte-level layout of the key space consumed
// and produced by the storage server core: the boundary between user
// data and system/control records, and the encoding of every persisted
// record family named in the external-interfaces section of the design.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SystemPrefixByte marks the start of the reserved system range. Every
// key with a first byte >= SystemPrefixByte is a control record; every
// key below it is user data.
const SystemPrefixByte = 0xff

// SystemPrefix is the single-byte prefix for all system keys.
var SystemPrefix = []byte{SystemPrefixByte}

// PrivatePrefix is the sub-prefix under SystemPrefix that carries
// private records: shard assignment, availability, byte-sampling,
// change-feed metadata, and server identity.
var PrivatePrefix = append(append([]byte{}, SystemPrefix...), SystemPrefixByte)

func makeKey(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// IsSystemKey reports whether k falls in the reserved system range.
func IsSystemKey(k []byte) bool {
	return len(k) > 0 && k[0] >= SystemPrefixByte
}

// IsPrivateKey reports whether k falls under the private sub-prefix.
func IsPrivateKey(k []byte) bool {
	return bytes.HasPrefix(k, PrivatePrefix)
}

// named suffixes under PrivatePrefix, per the persisted-layout table.
var (
	suffixFormat          = []byte("Format")
	suffixID              = []byte("ID")
	suffixClusterID       = []byte("clusterId")
	suffixTSSPairID       = []byte("tssPairID")
	suffixTSSQuarantined  = []byte("tssQ")
	suffixVersion         = []byte("Version")
	suffixLogProtocol     = []byte("LogProtocol")
	suffixPrimaryLocality = []byte("PrimaryLocality")
	suffixShardAssigned   = []byte("ShardAssigned/")
	suffixShardAvailable  = []byte("ShardAvailable/")
	suffixByteSample      = []byte("BS/")
	suffixByteSampleOfBS  = []byte("BS/BS/")
	suffixChangeFeedReg   = []byte("RF/")
	suffixShardMapping    = []byte("ShardMapping/")
	suffixRollback        = []byte("Rollback")
	suffixRebootMarker    = []byte("RebootMarker")
)

// FormatKey, IDKey, ClusterIDKey, ... return the key for the
// corresponding singleton persisted record.
func FormatKey() []byte          { return makeKey(PrivatePrefix, suffixFormat) }
func IDKey() []byte              { return makeKey(PrivatePrefix, suffixID) }
func ClusterIDKey() []byte       { return makeKey(PrivatePrefix, suffixClusterID) }
func TSSPairIDKey() []byte       { return makeKey(PrivatePrefix, suffixTSSPairID) }
func TSSQuarantinedKey() []byte  { return makeKey(PrivatePrefix, suffixTSSQuarantined) }
func DurableVersionKey() []byte  { return makeKey(PrivatePrefix, suffixVersion) }
func LogProtocolKey() []byte     { return makeKey(PrivatePrefix, suffixLogProtocol) }
func PrimaryLocalityKey() []byte { return makeKey(PrivatePrefix, suffixPrimaryLocality) }

// RollbackKey is the private mutation key carrying a rollback marker's
// target version as its value.
func RollbackKey() []byte { return makeKey(PrivatePrefix, suffixRollback) }

// RebootMarkerKey is the private mutation key used to request an
// orderly restart without a version rollback (e.g. after a log
// protocol change).
func RebootMarkerKey() []byte { return makeKey(PrivatePrefix, suffixRebootMarker) }

// ShardAssignedKey returns the private mutation key for a
// shard-assignment change starting at k: the mutation's End field
// carries the end of the range, and its value ("0"/"1") applies to the
// half-open interval [k, End).
func ShardAssignedKey(k []byte) []byte {
	return makeKey(PrivatePrefix, suffixShardAssigned, k)
}

// ShardAssignedPrefix returns the scan prefix for all shard-assignment
// boundary records.
func ShardAssignedPrefix() []byte {
	return makeKey(PrivatePrefix, suffixShardAssigned)
}

// ShardAvailableKey is the availability analogue of ShardAssignedKey.
func ShardAvailableKey(k []byte) []byte {
	return makeKey(PrivatePrefix, suffixShardAvailable, k)
}

// ShardAvailablePrefix returns the scan prefix for all shard-availability
// boundary records.
func ShardAvailablePrefix() []byte {
	return makeKey(PrivatePrefix, suffixShardAvailable)
}

// ShardMappingKey returns the key recording which physical shard id owns
// the boundary starting at beginKey, per the Shard Manager's canonical
// on-disk representation.
func ShardMappingKey(beginKey []byte) []byte {
	return makeKey(PrivatePrefix, suffixShardMapping, beginKey)
}

// ShardMappingPrefix returns the scan prefix for the whole shard mapping.
func ShardMappingPrefix() []byte {
	return makeKey(PrivatePrefix, suffixShardMapping)
}

// ByteSampleKey returns the byte-sampling record key for k.
func ByteSampleKey(k []byte) []byte {
	return makeKey(PrivatePrefix, suffixByteSample, k)
}

// ByteSamplePrefix returns the scan prefix for all byte-sample records.
func ByteSamplePrefix() []byte {
	return makeKey(PrivatePrefix, suffixByteSample)
}

// ByteSampleOfSampleKey returns the sample-of-sample index key used to
// rebuild the byte-sample map cheaply on restart.
func ByteSampleOfSampleKey(k []byte) []byte {
	return makeKey(PrivatePrefix, suffixByteSampleOfBS, k)
}

// ByteSampleOfSamplePrefix returns the scan prefix for the
// sample-of-sample index.
func ByteSampleOfSamplePrefix() []byte {
	return makeKey(PrivatePrefix, suffixByteSampleOfBS)
}

// ChangeFeedRegistrationKey returns the registration record key
// ("RF/<feedId>") for a change feed.
func ChangeFeedRegistrationKey(feedID string) []byte {
	return makeKey(PrivatePrefix, suffixChangeFeedReg, []byte(feedID))
}

// ChangeFeedRegistrationPrefix returns the scan prefix for all change
// feed registration records.
func ChangeFeedRegistrationPrefix() []byte {
	return makeKey(PrivatePrefix, suffixChangeFeedReg)
}

// changeFeedDataPrefix is distinct from the registration prefix: it
// holds the durable mutation mirror, keyed (feedId, version).
var changeFeedDataPrefix = []byte("CF/")

// ChangeFeedDataKey encodes (feedId, version) big-endian so that a range
// scan over a single feed's prefix yields mutations in version order.
func ChangeFeedDataKey(feedID string, version uint64) []byte {
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], version)
	return makeKey(PrivatePrefix, changeFeedDataPrefix, []byte(feedID), []byte{0}, vbuf[:])
}

// ChangeFeedDataPrefix returns the scan prefix covering every durable
// mutation record for feedID, in version order.
func ChangeFeedDataPrefix(feedID string) []byte {
	return makeKey(PrivatePrefix, changeFeedDataPrefix, []byte(feedID), []byte{0})
}

// DecodeChangeFeedDataKey extracts the version suffix from a key
// produced by ChangeFeedDataKey for feedID.
func DecodeChangeFeedDataKey(feedID string, key []byte) (uint64, error) {
	prefix := ChangeFeedDataPrefix(feedID)
	if !bytes.HasPrefix(key, prefix) || len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("keys: malformed change feed data key %q for feed %q", key, feedID)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// PrefixEnd returns the smallest key greater than every key with prefix
// p; it is the canonical exclusive end bound for a prefix scan. The
// zero-length result means "no upper bound" (p was all 0xff bytes).
func PrefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
