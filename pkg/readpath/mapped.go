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
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shardkv/storageserver/pkg/collab"
	"github.com/shardkv/storageserver/pkg/keys"
	"github.com/shardkv/storageserver/pkg/kverrors"
	"github.com/shardkv/storageserver/pkg/version"
)

// maxMappedRangeFanOut bounds how many secondary rows a single
// getMappedRange call may accumulate across every primary row's
// resolved lookup, guarding against a template that expands one primary
// row into an unbounded number of secondary reads.
const maxMappedRangeFanOut = 100_000

// mapperSegment is one piece of a compiled mapper template: either a
// literal byte run, or a placeholder substituting the primary row's
// key or value split on 0x00 into indexed components.
type mapperSegment struct {
	literal   []byte
	fromValue bool // false selects K[i], true selects V[i]
	index     int
	isField   bool
}

// MapperTemplate is a compiled secondary-key template as used by
// getMappedRange: `{K[i]}` and `{V[i]}` substitute a 0x00-split
// component of the primary row's key or value, `{{`/`}}` escape a
// literal brace, and a trailing bare `{...}` marks the template as
// producing a sub-range scan rooted at the otherwise-resolved key
// rather than a single secondary lookup.
type MapperTemplate struct {
	segments      []mapperSegment
	trailingRange bool
}

// CompileMapperTemplate parses tmpl into a MapperTemplate, failing
// MapperBadIndex if a `{K[i]}`/`{V[i]}` reference is malformed.
func CompileMapperTemplate(tmpl string) (*MapperTemplate, error) {
	mt := &MapperTemplate{}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			mt.segments = append(mt.segments, mapperSegment{literal: []byte(lit.String())})
			lit.Reset()
		}
	}

	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, errors.Wrapf(kverrors.ErrMapperBadIndex, "readpath: unterminated placeholder in mapper template %q", tmpl)
			}
			body := tmpl[i+1 : i+end]
			if body == "..." && i+end+1 == len(tmpl) {
				flush()
				mt.trailingRange = true
				i += end + 1
				continue
			}
			seg, err := parseMapperField(body)
			if err != nil {
				return nil, errors.Wrapf(err, "readpath: parsing placeholder %q in mapper template %q", body, tmpl)
			}
			flush()
			mt.segments = append(mt.segments, seg)
			i += end + 1
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return mt, nil
}

func parseMapperField(body string) (mapperSegment, error) {
	var fromValue bool
	switch {
	case strings.HasPrefix(body, "K[") && strings.HasSuffix(body, "]"):
		fromValue = false
	case strings.HasPrefix(body, "V[") && strings.HasSuffix(body, "]"):
		fromValue = true
	default:
		return mapperSegment{}, errors.Wrapf(kverrors.ErrMapperBadIndex, "unrecognized field %q", body)
	}
	idxStr := body[2 : len(body)-1]
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return mapperSegment{}, errors.Wrapf(kverrors.ErrMapperBadIndex, "bad index in field %q", body)
	}
	return mapperSegment{fromValue: fromValue, index: idx, isField: true}, nil
}

// splitFields splits b on 0x00, the field separator convention used by
// `{K[i]}`/`{V[i]}` placeholders to address a composite key or value's
// tuple components.
func splitFields(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, b[start:i])
			start = i + 1
		}
	}
	out = append(out, b[start:])
	return out
}

// Evaluate substitutes row's key/value fields into t, returning the
// resolved secondary key. isRange reports whether t ended with a
// trailing `{...}`, meaning the caller should treat the resolved key as
// a sub-range prefix rather than a point lookup.
func (t *MapperTemplate) Evaluate(row collab.KeyValue) (resolved []byte, isRange bool, err error) {
	keyFields := splitFields(row.Key)
	valFields := splitFields(row.Value)

	var out []byte
	for _, seg := range t.segments {
		if !seg.isField {
			out = append(out, seg.literal...)
			continue
		}
		fields := keyFields
		if seg.fromValue {
			fields = valFields
		}
		if seg.index >= len(fields) {
			return nil, false, errors.Wrapf(kverrors.ErrMapperBadIndex, "readpath: field index %d out of range (have %d)", seg.index, len(fields))
		}
		out = append(out, fields[seg.index]...)
	}
	return out, t.trailingRange, nil
}

// MappedRow is one resolved secondary result: either a single value at
// resolvedKey (IsRange == false) or every row in the sub-range rooted
// at resolvedKey (IsRange == true).
type MappedRow struct {
	Primary     collab.KeyValue
	ResolvedKey []byte
	IsRange     bool
	Value       []byte
	HasValue    bool
	RangeRows   []collab.KeyValue
}

// MappedRangeResult is getMappedRange's outcome.
type MappedRangeResult struct {
	Rows        []MappedRow
	More        bool
	ReadThrough []byte
}

// GetMappedRange scans [begin, end) exactly as GetRange does, then for
// every returned row evaluates template against it and performs the
// resulting secondary lookup (or sub-range scan, for a trailing
// `{...}`) at the same version v. It fails with the template
// compiler's or evaluator's error for a malformed template,
// MapperBadRangeDescriptor if a sub-range scan fails, and
// QuickGetKeyValuesHasMore if the aggregate secondary fan-out exceeds
// the configured cap.
func (r *RP) GetMappedRange(
	ctx context.Context,
	begin, end []byte,
	rowLimit int,
	byteLimit int64,
	template string,
	v version.V,
) (MappedRangeResult, error) {
	mt, err := CompileMapperTemplate(template)
	if err != nil {
		return MappedRangeResult{}, err
	}

	primary, err := r.GetRange(ctx, begin, end, rowLimit, byteLimit, v)
	if err != nil {
		return MappedRangeResult{}, err
	}

	fanOut := 0
	rows := make([]MappedRow, 0, len(primary.Rows))
	for _, kv := range primary.Rows {
		resolvedKey, isRange, err := mt.Evaluate(kv)
		if err != nil {
			return MappedRangeResult{}, err
		}

		row := MappedRow{Primary: kv, ResolvedKey: resolvedKey, IsRange: isRange}
		if isRange {
			rangeEnd := keys.PrefixEnd(resolvedKey)
			sub, err := r.GetRange(ctx, resolvedKey, rangeEnd, maxUnboundedRowLimit, 0, v)
			if err != nil {
				return MappedRangeResult{}, errors.Wrapf(kverrors.ErrMapperBadRangeDescriptor, "readpath: mapped sub-range scan for %q: %v", resolvedKey, err)
			}
			fanOut += len(sub.Rows)
			row.RangeRows = sub.Rows
		} else {
			val, ok, err := r.GetValue(ctx, resolvedKey, v)
			if err != nil {
				return MappedRangeResult{}, err
			}
			fanOut++
			row.Value, row.HasValue = val, ok
		}
		if fanOut > maxMappedRangeFanOut {
			return MappedRangeResult{}, errors.Wrapf(kverrors.ErrQuickGetKeyValuesHasMore, "readpath: mapped range fan-out exceeded %d", maxMappedRangeFanOut)
		}
		rows = append(rows, row)
	}

	return MappedRangeResult{Rows: rows, More: primary.More, ReadThrough: primary.ReadThrough}, nil
}
