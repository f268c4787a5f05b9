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

	"github.com/shardkv/storageserver/pkg/version"
)

// StreamChunk is one bounded reply of a streamed range read.
type StreamChunk struct {
	Result RangeResult
	More   bool
}

// OnReady is called once per chunk of a streamed range read; the caller
// blocks the stream by not returning until it is ready to accept
// another chunk (reactive back-pressure driven by the consumer rather
// than the server pushing chunks as fast as it can produce them). A
// non-nil error aborts the stream and is returned from GetRangeStream.
type OnReady func(ctx context.Context, chunk StreamChunk) error

// GetRangeStream reads [begin, end) at version v in a sequence of
// bounded chunks, each sized to chunkRowLimit/chunkByteLimit, calling
// onReady once per chunk. Direction and the overall totalRowLimit are
// taken from rowLimit exactly as in GetRange; a chunk limit of zero
// falls back to the overall limit (the whole range in one chunk).
// GetRangeStream stops once the whole range has been delivered, once
// onReady returns an error, or once ctx is cancelled.
func (r *RP) GetRangeStream(
	ctx context.Context,
	begin, end []byte,
	rowLimit int,
	byteLimit int64,
	chunkRowLimit int,
	chunkByteLimit int64,
	v version.V,
	onReady OnReady,
) error {
	reverse := rowLimit < 0
	remainingRows := rowLimit
	if reverse {
		remainingRows = -rowLimit
	}
	unbounded := remainingRows == 0

	// curBegin/curEnd track the still-unscanned portion of [begin, end):
	// a forward stream grows curBegin forward via each chunk's
	// readThrough cursor; a reverse stream shrinks curEnd backward.
	curBegin, curEnd := begin, end

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		crl := chunkRowLimit
		if crl <= 0 {
			crl = maxUnboundedRowLimit
		}
		if !unbounded && crl > remainingRows {
			crl = remainingRows
		}
		if reverse {
			crl = -crl
		}
		cbl := chunkByteLimit
		if cbl <= 0 {
			cbl = byteLimit
		}

		res, err := r.GetRange(ctx, curBegin, curEnd, crl, cbl, v)
		if err != nil {
			return err
		}

		if !unbounded {
			remainingRows -= len(res.Rows)
		}

		exhaustedTotal := !unbounded && remainingRows <= 0
		final := !res.More && !exhaustedTotal

		if err := onReady(ctx, StreamChunk{Result: res, More: !final}); err != nil {
			return err
		}
		if final || exhaustedTotal {
			return nil
		}
		if res.ReadThrough == nil {
			return nil
		}
		if reverse {
			// ReadThrough is the next key not yet returned; the end bound
			// is exclusive, so resume just past it.
			curEnd = append(append([]byte{}, res.ReadThrough...), 0x00)
		} else {
			curBegin = res.ReadThrough
		}
	}
}
