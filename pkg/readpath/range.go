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
	"bytes"
	"context"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/engine"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/shard"
	"github.com/shardkv/storageserver/pkg/version"
	"github.com/shardkv/storageserver/pkg/vmap"
)

// maxUnboundedRowLimit stands in for "no row limit" in scanRange calls
// where only ByteLimit or the shard boundary should terminate the
// scan (GetKey's own bounded shard walk).
const maxUnboundedRowLimit = 1 << 30

// rangeOptions bundles a bounded range read's limits. The sign of
// RowLimit selects direction: ascending for RowLimit >= 0, descending
// otherwise, with the magnitude as the row cap.
type rangeOptions struct {
	RowLimit  int
	ByteLimit int64
}

func (o rangeOptions) reverse() bool { return o.RowLimit < 0 }
func (o rangeOptions) rowCap() int {
	if o.RowLimit < 0 {
		return -o.RowLimit
	}
	if o.RowLimit == 0 {
		return maxUnboundedRowLimit
	}
	return o.RowLimit
}

// RangeResult is GetRange's outcome.
type RangeResult struct {
	Rows        []collab.KeyValue
	More        bool
	ReadThrough []byte
}

// GetRange merge-iterates the Versioned Map at v with the engine under
// one shard-map snapshot, honoring both rowLimit (sign selects
// direction) and byteLimit. A clear covering a sub-range skips the
// engine for that sub-range entirely rather than reading and then
// discarding.
func (r *RP) GetRange(ctx context.Context, begin, end []byte, rowLimit int, byteLimit int64, v version.V) (RangeResult, error) {
	if err := r.waitForReadableVersion(ctx, v); err != nil {
		return RangeResult{}, err
	}
	snap := r.deps.Shards.Snapshot()
	shards := snap.ShardsIntersecting(shard.Range{Begin: begin, End: end})
	for _, d := range shards {
		if !d.State.Readable() {
			return RangeResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: range [%q,%q) spans an unreadable shard", begin, end)
		}
	}

	opts := rangeOptions{RowLimit: rowLimit, ByteLimit: byteLimit}
	var all []collab.KeyValue
	var more bool
	var readThrough []byte

	if opts.reverse() {
		for i := len(shards) - 1; i >= 0; i-- {
			d := shards[i]
			cf, ok := snap.PhysicalCF(d.PhysicalID)
			if !ok {
				return RangeResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: physical shard unusable for %v", d.Range)
			}
			subBegin, subEnd := clampRange(begin, end, d.Range)
			rows, m, rt, err := r.scanRange(ctx, cf, subBegin, subEnd, v, remaining(opts, all))
			if err != nil {
				return RangeResult{}, err
			}
			all = append(all, rows...)
			if m {
				more, readThrough = true, rt
				break
			}
			if opts.rowCap() != maxUnboundedRowLimit && len(all) >= opts.rowCap() {
				break
			}
		}
	} else {
		for _, d := range shards {
			cf, ok := snap.PhysicalCF(d.PhysicalID)
			if !ok {
				return RangeResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: physical shard unusable for %v", d.Range)
			}
			subBegin, subEnd := clampRange(begin, end, d.Range)
			rows, m, rt, err := r.scanRange(ctx, cf, subBegin, subEnd, v, remaining(opts, all))
			if err != nil {
				return RangeResult{}, err
			}
			all = append(all, rows...)
			if m {
				more, readThrough = true, rt
				break
			}
			if opts.rowCap() != maxUnboundedRowLimit && len(all) >= opts.rowCap() {
				break
			}
		}
	}

	post := r.deps.Shards.Snapshot()
	for _, d := range shards {
		fresh, ok := post.ShardFor(d.Range.Begin)
		if !ok || fresh.ChangeCounter != d.ChangeCounter {
			return RangeResult{}, errors.Wrapf(kverrors.ErrWrongShardServer, "readpath: shard %v moved during range read", d.Range)
		}
	}

	return RangeResult{Rows: all, More: more, ReadThrough: readThrough}, nil
}

// remaining derives a fresh rangeOptions for the next shard in a
// multi-shard scan, decrementing the row cap by what's already been
// collected. Byte-limit accounting is left to the caller's overall
// budget rather than re-derived per shard; a reverse scan spanning
// several shards can therefore under-count bytes slightly rather than
// double-charge overlapping shard boundaries.
func remaining(o rangeOptions, collected []collab.KeyValue) rangeOptions {
	if o.rowCap() == maxUnboundedRowLimit {
		return o
	}
	left := o.rowCap() - len(collected)
	if left < 0 {
		left = 0
	}
	if o.reverse() {
		return rangeOptions{RowLimit: -left, ByteLimit: o.ByteLimit}
	}
	return rangeOptions{RowLimit: left, ByteLimit: o.ByteLimit}
}

func clampRange(begin, end []byte, d shard.Range) ([]byte, []byte) {
	b := begin
	if bytes.Compare(d.Begin, b) > 0 {
		b = d.Begin
	}
	e := end
	if d.End != nil && (e == nil || bytes.Compare(d.End, e) < 0) {
		e = d.End
	}
	return b, e
}

// scanRange merges the Versioned Map at v with the engine's cf over
// [begin, end), honoring opts, entirely within a single shard/physical
// column family (the caller has already split a multi-shard range at
// shard boundaries).
func (r *RP) scanRange(ctx context.Context, cf engine.ColumnFamily, begin, end []byte, v version.V, opts rangeOptions) ([]collab.KeyValue, bool, []byte, error) {
	view := r.deps.VM.At(v)

	it, err := r.deps.Engine.NewIterator(cf, begin, end, nil)
	if err != nil {
		return nil, false, nil, errors.Wrap(err, "readpath: opening range iterator")
	}
	defer it.Close()

	merged, err := mergeVMAndEngine(view, it, begin, end, opts.reverse())
	if err != nil {
		return nil, false, nil, err
	}

	rowCap := opts.rowCap()
	var out []collab.KeyValue
	var bytesSeen int64
	for _, kv := range merged {
		rowCost := int64(len(kv.Key) + len(kv.Value))
		if len(out) >= rowCap {
			return out, true, kv.Key, nil
		}
		if opts.ByteLimit > 0 && bytesSeen+rowCost > opts.ByteLimit && len(out) > 0 {
			return out, true, kv.Key, nil
		}
		out = append(out, kv)
		bytesSeen += rowCost
	}
	return out, false, nil, nil
}

// mergeVMAndEngine walks the Versioned Map view and the engine
// iterator together over [begin, end), in ascending or descending
// order, producing the union with VM entries shadowing the engine: a
// Value(k) in VM wins outright, a ClearTo covering k suppresses the
// engine's entry for k, and an engine entry with no VM opinion at all
// passes through unchanged.
func mergeVMAndEngine(view *vmap.View, it engine.Iterator, begin, end []byte, reverse bool) ([]collab.KeyValue, error) {
	var vmEntries []*vmap.Entry
	view.Scan(begin, end, func(e *vmap.Entry) bool {
		vmEntries = append(vmEntries, e)
		return true
	})
	if reverse {
		for i, j := 0, len(vmEntries)-1; i < j; i, j = i+1, j-1 {
			vmEntries[i], vmEntries[j] = vmEntries[j], vmEntries[i]
		}
	}

	dir := 1
	if reverse {
		dir = -1
	}
	advanceEngine := it.Next
	engineValid := it.First()
	if reverse {
		advanceEngine = it.Prev
		engineValid = it.Last()
	}

	vmIdx := 0
	var out []collab.KeyValue

	for engineValid || vmIdx < len(vmEntries) {
		var vmEntry *vmap.Entry
		if vmIdx < len(vmEntries) {
			vmEntry = vmEntries[vmIdx]
		}

		switch {
		case engineValid && vmEntry != nil:
			ek := it.Key()
			cmp := bytes.Compare(ek, vmEntry.Key) * dir
			switch {
			case vmEntry.Kind == vmap.KindValue && cmp == 0:
				out = append(out, collab.KeyValue{Key: append([]byte{}, vmEntry.Key...), Value: append([]byte{}, vmEntry.Val...)})
				vmIdx++
				engineValid = advanceEngine()
			case vmEntry.Kind == vmap.KindClear && withinClear(vmEntry, ek):
				engineValid = advanceEngine()
			case cmp < 0:
				out = append(out, collab.KeyValue{Key: append([]byte{}, ek...), Value: append([]byte{}, it.Value()...)})
				engineValid = advanceEngine()
			default:
				if vmEntry.Kind == vmap.KindValue {
					out = append(out, collab.KeyValue{Key: append([]byte{}, vmEntry.Key...), Value: append([]byte{}, vmEntry.Val...)})
				}
				vmIdx++
			}
		case engineValid:
			out = append(out, collab.KeyValue{Key: append([]byte{}, it.Key()...), Value: append([]byte{}, it.Value()...)})
			engineValid = advanceEngine()
		default:
			if vmEntry.Kind == vmap.KindValue {
				out = append(out, collab.KeyValue{Key: append([]byte{}, vmEntry.Key...), Value: append([]byte{}, vmEntry.Val...)})
			}
			vmIdx++
		}
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "readpath: merging range iterator")
	}
	return out, nil
}

func withinClear(e *vmap.Entry, k []byte) bool {
	if e == nil || e.Kind != vmap.KindClear {
		return false
	}
	if bytes.Compare(k, e.Key) < 0 {
		return false
	}
	return e.End == nil || bytes.Compare(k, e.End) < 0
}
