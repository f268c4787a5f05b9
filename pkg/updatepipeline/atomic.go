// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package updatepipeline

import (
	"bytes"

	"github.com/shardkv/storageserver/pkg/collab"
)

// maxAppendedValueLength bounds AppendIfFits; an append that would
// exceed it is a silent no-op rather than a truncation, matching the
// op's name: it only ever appends if the result fits.
const maxAppendedValueLength = 100 << 10

// AtomicResult is the outcome of applying one atomic op against the
// pre-existing value of a key.
type AtomicResult struct {
	// NewValue is the value to write when Clear and NoOp are both
	// false.
	NewValue []byte
	// Clear is true when the op should be realized as a point clear:
	// CompareAndClear whose operand equals the existing value. Its
	// mismatch case is a NoOp, not a Clear.
	Clear bool
	// NoOp is true when the op observed no reason to change the key at
	// all (CompareAndClear's operand didn't match, or AppendIfFits
	// didn't fit); UP must not append a mutation to VM/ML in that case.
	NoOp bool
}

func clampTo(v []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, v)
	return out
}

// addLittleEndian sums a and b as little-endian unsigned integers of
// equal length (the longer of the two, the shorter zero-extended),
// wrapping on overflow rather than growing, matching the fixed-width
// wire convention named in the design's atomic op note.
func addLittleEndian(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	a, b = clampTo(a, n), clampTo(b, n)
	out := make([]byte, n)
	var carry uint16
	for i := 0; i < n; i++ {
		sum := uint16(a[i]) + uint16(b[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

func bitwise(a, b []byte, f func(x, y byte) byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f(a[i], b[i])
	}
	return out
}

// compareLittleEndian orders two little-endian unsigned integers of
// equal length (the shorter zero-extended to match), most significant
// byte last.
func compareLittleEndian(a, b []byte) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	a, b = clampTo(a, n), clampTo(b, n)
	for i := n - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ApplyAtomicOp evaluates op against the key's pre-existing value
// (hasExisting distinguishes "empty string" from "no prior value",
// resolved by the pipeline's eager read before dispatch) and operand,
// the mutation's carried value.
func ApplyAtomicOp(op collab.AtomicOpCode, existing []byte, hasExisting bool, operand []byte) AtomicResult {
	switch op {
	case collab.OpAddValue:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		return AtomicResult{NewValue: addLittleEndian(existing, operand)}

	case collab.OpAnd:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		return AtomicResult{NewValue: bitwise(existing, operand, func(x, y byte) byte { return x & y })}

	case collab.OpOr:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		return AtomicResult{NewValue: bitwise(existing, operand, func(x, y byte) byte { return x | y })}

	case collab.OpXor:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		return AtomicResult{NewValue: bitwise(existing, operand, func(x, y byte) byte { return x ^ y })}

	case collab.OpAppendIfFits:
		base := existing
		if !hasExisting {
			base = nil
		}
		joined := append(append([]byte{}, base...), operand...)
		if len(joined) > maxAppendedValueLength {
			return AtomicResult{NoOp: true}
		}
		return AtomicResult{NewValue: joined}

	case collab.OpMax:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		if compareLittleEndian(existing, operand) >= 0 {
			return AtomicResult{NewValue: clampTo(existing, len(existing))}
		}
		return AtomicResult{NewValue: clampTo(operand, len(operand))}

	case collab.OpMin:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		if compareLittleEndian(existing, operand) <= 0 {
			return AtomicResult{NewValue: clampTo(existing, len(existing))}
		}
		return AtomicResult{NewValue: clampTo(operand, len(operand))}

	case collab.OpByteMin:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		if bytes.Compare(existing, operand) <= 0 {
			return AtomicResult{NewValue: append([]byte{}, existing...)}
		}
		return AtomicResult{NewValue: append([]byte{}, operand...)}

	case collab.OpByteMax:
		if !hasExisting {
			return AtomicResult{NewValue: append([]byte{}, operand...)}
		}
		if bytes.Compare(existing, operand) >= 0 {
			return AtomicResult{NewValue: append([]byte{}, existing...)}
		}
		return AtomicResult{NewValue: append([]byte{}, operand...)}

	case collab.OpMinV2:
		// V2 clamps the comparison and the result to the operand's
		// length, whereas the legacy Min compares at the longer of the
		// two lengths (the shorter zero-extended) and keeps the winner's
		// own length.
		n := len(operand)
		if !hasExisting {
			return AtomicResult{NewValue: clampTo(operand, n)}
		}
		ex := clampTo(existing, n)
		if compareLittleEndian(ex, operand) <= 0 {
			return AtomicResult{NewValue: ex}
		}
		return AtomicResult{NewValue: clampTo(operand, n)}

	case collab.OpAndV2:
		n := len(operand)
		if !hasExisting {
			return AtomicResult{NewValue: clampTo(operand, n)}
		}
		ex := clampTo(existing, n)
		return AtomicResult{NewValue: bitwise(ex, operand, func(x, y byte) byte { return x & y })}

	case collab.OpCompareAndClear:
		if hasExisting && bytes.Equal(existing, operand) {
			return AtomicResult{Clear: true}
		}
		return AtomicResult{NoOp: true}

	default:
		return AtomicResult{NoOp: true}
	}
}
