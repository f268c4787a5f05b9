// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package changefeed

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/version"
)

func appendLenPrefixed(out, v []byte) []byte {
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(v)))
	out = append(out, lbuf[:]...)
	return append(out, v...)
}

func readLenPrefixed(v []byte) (field, rest []byte, err error) {
	if len(v) < 4 {
		return nil, nil, errors.New("changefeed: truncated length-prefixed field")
	}
	n := binary.BigEndian.Uint32(v[:4])
	v = v[4:]
	if uint32(len(v)) < n {
		return nil, nil, errors.New("changefeed: truncated length-prefixed field body")
	}
	return v[:n], v[n:], nil
}

// encodeRegistration serializes a feed's durable metadata: range,
// emptyVersion, and the stopped bit.
func encodeRegistration(f *feed) []byte {
	out := appendLenPrefixed(nil, f.r.Begin)
	out = appendLenPrefixed(out, f.r.End)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], uint64(f.empty))
	out = append(out, vbuf[:]...)
	if f.stopped {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

type registration struct {
	begin, end []byte
	empty      version.V
	stopped    bool
}

func decodeRegistration(v []byte) (registration, error) {
	begin, rest, err := readLenPrefixed(v)
	if err != nil {
		return registration{}, err
	}
	end, rest, err := readLenPrefixed(rest)
	if err != nil {
		return registration{}, err
	}
	if len(rest) < 9 {
		return registration{}, errors.New("changefeed: truncated registration record")
	}
	empty := version.V(binary.BigEndian.Uint64(rest[:8]))
	stopped := rest[8] != 0
	return registration{begin: begin, end: end, empty: empty, stopped: stopped}, nil
}

// encodeFeedMutations serializes one version's worth of mutations for
// the durable mirror: a count followed by length-prefixed
// (type, op, key, end, value) tuples per mutation.
func encodeFeedMutations(muts []collab.Mutation) []byte {
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], uint32(len(muts)))
	out := append([]byte{}, cbuf[:]...)
	for _, m := range muts {
		out = append(out, byte(m.Type), byte(m.Op))
		out = appendLenPrefixed(out, m.Key)
		out = appendLenPrefixed(out, m.End)
		out = appendLenPrefixed(out, m.Value)
	}
	return out
}

func decodeFeedMutations(v []byte) ([]collab.Mutation, error) {
	if len(v) < 4 {
		return nil, errors.New("changefeed: truncated feed mutation record")
	}
	n := binary.BigEndian.Uint32(v[:4])
	v = v[4:]
	out := make([]collab.Mutation, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(v) < 2 {
			return nil, errors.New("changefeed: truncated feed mutation header")
		}
		mtype, op := v[0], v[1]
		v = v[2:]
		key, rest, err := readLenPrefixed(v)
		if err != nil {
			return nil, err
		}
		end, rest, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		val, rest, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		v = rest
		out = append(out, collab.Mutation{
			Type:  collab.MutationType(mtype),
			Op:    collab.AtomicOpCode(op),
			Key:   key,
			End:   end,
			Value: val,
		})
	}
	return out, nil
}
