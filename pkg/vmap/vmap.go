// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package vmap implements the Versioned Map: an in-memory, persistent
// (copy-on-write) ordered structure shadowing the engine for keys not
// yet made durable. Every entry is either a point Value or a ClearTo
// range, both decorated with the version at which they were inserted
// so the durability loop can later forget exactly the entries it has
// flushed.
package vmap

import (
	"bytes"

	"github.com/google/btree"

	"github.com/shardkv/storageserver/pkg/version"
)

// Kind distinguishes a point set from a range clear.
type Kind int

const (
	KindValue Kind = iota
	KindClear
)

// Entry is one node of the versioned map: either Value(Key) = Val, or
// ClearTo(Key, End) — a tombstone over [Key, End), End == nil meaning
// "to the top of the key space".
type Entry struct {
	Kind          Kind
	Key           []byte
	End           []byte
	Val           []byte
	InsertVersion version.V
}

// contains reports whether k falls inside e's covered range.
func (e *Entry) contains(k []byte) bool {
	switch e.Kind {
	case KindValue:
		return bytes.Equal(e.Key, k)
	default:
		if bytes.Compare(k, e.Key) < 0 {
			return false
		}
		return e.End == nil || bytes.Compare(k, e.End) < 0
	}
}

func lessEntry(a, b *Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// keySuccessor returns the smallest byte string strictly greater than
// k: appending the zero byte. Every key that extends k sorts at or
// above k+0x00, and every key that doesn't extend k compares to k+0x00
// exactly as it compares to k, so this is the tight immediate successor
// used to split a clear range around a single inserted key.
func keySuccessor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

type rootSnapshot struct {
	version version.V
	tree    *btree.BTreeG[*Entry]
}

// VM is the Versioned Map. The zero value is not usable; use New.
type VM struct {
	latest *btree.BTreeG[*Entry]
	roots  []rootSnapshot // ascending by version
}

// New returns an empty Versioned Map.
func New() *VM {
	return &VM{latest: btree.NewG(32, lessEntry)}
}

// CreateNewVersion publishes the current latest (mutable) view as a
// queryable ancestor view at v. v must be strictly greater than any
// version previously passed to CreateNewVersion.
func (m *VM) CreateNewVersion(v version.V) {
	m.roots = append(m.roots, rootSnapshot{version: v, tree: m.latest.Clone()})
}

// View is a read-only, point-in-time view of the map.
type View struct {
	tree *btree.BTreeG[*Entry]
}

// Get resolves k against the view, returning (value, true) if k carries
// a live Value, (nil, false) if k falls inside a ClearTo or is absent.
func (v *View) Get(k []byte) ([]byte, bool) {
	var found *Entry
	v.tree.DescendLessOrEqual(&Entry{Key: k}, func(e *Entry) bool {
		found = e
		return false
	})
	if found == nil || !found.contains(k) {
		return nil, false
	}
	if found.Kind == KindClear {
		return nil, false
	}
	return found.Val, true
}

// Cleared reports whether k falls inside a live ClearTo entry.
func (v *View) Cleared(k []byte) bool {
	var found *Entry
	v.tree.DescendLessOrEqual(&Entry{Key: k}, func(e *Entry) bool {
		found = e
		return false
	})
	return found != nil && found.Kind == KindClear && found.contains(k)
}

// Scan invokes fn for every entry overlapping [lo, hi) in ascending key
// order, stopping early if fn returns false.
func (v *View) Scan(lo, hi []byte, fn func(*Entry) bool) {
	start := &Entry{Key: lo}
	if first, ok := v.entryContaining(lo); ok && first.contains(lo) {
		start = first
	}
	v.tree.AscendGreaterOrEqual(start, func(e *Entry) bool {
		if hi != nil && bytes.Compare(e.Key, hi) >= 0 {
			return false
		}
		return fn(e)
	})
}

func (v *View) entryContaining(k []byte) (*Entry, bool) {
	var found *Entry
	v.tree.DescendLessOrEqual(&Entry{Key: k}, func(e *Entry) bool {
		found = e
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// At returns the ancestor view published at the largest version <= v,
// or an empty view if no version <= v was ever published.
func (m *VM) At(v version.V) *View {
	lo, hi := 0, len(m.roots)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.roots[mid].version <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return &View{tree: btree.NewG[*Entry](32, lessEntry)}
	}
	return &View{tree: m.roots[lo-1].tree}
}

// AtLatest returns a snapshot of the current mutable working tree,
// safe to read concurrently with further mutation of m.
func (m *VM) AtLatest() *View {
	return &View{tree: m.latest.Clone()}
}

// Insert sets Value(key) = val in the latest working view at
// insertVersion, splitting any ClearTo entry that currently covers key.
func (m *VM) Insert(key, val []byte, insertVersion version.V) {
	if existing, ok := m.entryContainingLatest(key); ok && existing.Kind == KindClear {
		m.latest.Delete(existing)
		if bytes.Compare(existing.Key, key) < 0 {
			m.latest.ReplaceOrInsert(&Entry{
				Kind: KindClear, Key: existing.Key, End: key,
				InsertVersion: existing.InsertVersion,
			})
		}
		succ := keySuccessor(key)
		if existing.End == nil || bytes.Compare(succ, existing.End) < 0 {
			// The right half must carry the new insertVersion, not the
			// clear's original one: RemoveInsertVersion relies on it to
			// know when this remnant becomes safe to forget, and it can
			// only make that promise about mutations at or after the
			// version being inserted here.
			m.latest.ReplaceOrInsert(&Entry{
				Kind: KindClear, Key: succ, End: existing.End,
				InsertVersion: insertVersion,
			})
		}
	} else if ok && existing.Kind == KindValue {
		m.latest.Delete(existing)
	}
	m.latest.ReplaceOrInsert(&Entry{
		Kind: KindValue, Key: append([]byte{}, key...), Val: append([]byte{}, val...),
		InsertVersion: insertVersion,
	})
}

// InsertClear records ClearTo(begin, end) in the latest working view at
// insertVersion, removing or trimming any entries it fully or partially
// covers, and merging with an immediately adjacent clear at the same
// insertVersion.
func (m *VM) InsertClear(begin, end []byte, insertVersion version.V) {
	m.Erase(begin, end)

	effectiveBegin := append([]byte{}, begin...)
	effectiveEnd := end

	// Merge with a clear ending exactly at begin, same insertVersion.
	if prev, ok := m.entryContainingLatest(predecessorProbe(begin)); ok &&
		prev.Kind == KindClear && prev.InsertVersion == insertVersion && bytes.Equal(prev.End, begin) {
		m.latest.Delete(prev)
		effectiveBegin = prev.Key
	}
	// Merge with a clear starting exactly at end, same insertVersion.
	if end != nil {
		if next, ok := m.entryContainingLatest(end); ok &&
			next.Kind == KindClear && next.InsertVersion == insertVersion && bytes.Equal(next.Key, end) {
			m.latest.Delete(next)
			effectiveEnd = next.End
		}
	}

	m.latest.ReplaceOrInsert(&Entry{
		Kind: KindClear, Key: effectiveBegin, End: effectiveEnd,
		InsertVersion: insertVersion,
	})
}

// predecessorProbe returns a key used to look up the entry that might
// end exactly at begin: the entry containing the key immediately before
// begin, if begin is non-empty.
func predecessorProbe(begin []byte) []byte {
	if len(begin) == 0 {
		return begin
	}
	out := append([]byte{}, begin...)
	out[len(out)-1]--
	return out
}

// Erase removes every entry's coverage over [lo, hi) from the latest
// working view, trimming entries that only partially overlap.
func (m *VM) Erase(lo, hi []byte) {
	overlapping := m.entriesIntersectingLatest(lo, hi)
	for _, e := range overlapping {
		m.latest.Delete(e)
		switch e.Kind {
		case KindValue:
			// fully inside [lo, hi) by construction of the scan below.
		case KindClear:
			if bytes.Compare(e.Key, lo) < 0 {
				m.latest.ReplaceOrInsert(&Entry{Kind: KindClear, Key: e.Key, End: lo, InsertVersion: e.InsertVersion})
			}
			if hi != nil && (e.End == nil || bytes.Compare(hi, e.End) < 0) {
				m.latest.ReplaceOrInsert(&Entry{Kind: KindClear, Key: hi, End: e.End, InsertVersion: e.InsertVersion})
			}
		}
	}
}

func (m *VM) entriesIntersectingLatest(lo, hi []byte) []*Entry {
	var out []*Entry
	start := &Entry{Key: lo}
	if first, ok := m.entryContainingLatest(lo); ok {
		start = first
	}
	m.latest.AscendGreaterOrEqual(start, func(e *Entry) bool {
		if hi != nil && bytes.Compare(e.Key, hi) >= 0 {
			return false
		}
		if overlaps(e, lo, hi) {
			out = append(out, e)
		}
		return true
	})
	return out
}

func overlaps(e *Entry, lo, hi []byte) bool {
	eEnd := e.End
	if e.Kind == KindValue {
		eEnd = keySuccessor(e.Key)
	}
	if eEnd != nil && bytes.Compare(lo, eEnd) >= 0 {
		return false
	}
	if hi != nil && bytes.Compare(e.Key, hi) >= 0 {
		return false
	}
	return true
}

func (m *VM) entryContainingLatest(k []byte) (*Entry, bool) {
	var found *Entry
	m.latest.DescendLessOrEqual(&Entry{Key: k}, func(e *Entry) bool {
		found = e
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// RemoveInsertVersion deletes every entry in the latest working view
// whose InsertVersion equals v, used by the durability loop once v's
// mutations have been made durable in the engine and are now shadowed
// by it rather than by the map.
func (m *VM) RemoveInsertVersion(v version.V) {
	var toDelete []*Entry
	m.latest.Ascend(func(e *Entry) bool {
		if e.InsertVersion == v {
			toDelete = append(toDelete, e)
		}
		return true
	})
	for _, e := range toDelete {
		m.latest.Delete(e)
	}
}

// ForgetVersionsBefore drops every published ancestor view strictly
// older than v, releasing the arenas only those views still pinned.
// The current latest working view is unaffected.
func (m *VM) ForgetVersionsBefore(v version.V) {
	keep := m.roots[:0:0]
	for _, r := range m.roots {
		if r.version >= v {
			keep = append(keep, r)
		}
	}
	m.roots = keep
}
