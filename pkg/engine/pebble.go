// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package engine

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Pebble has no native column-family concept, unlike the sharded
// RocksDB engine this contract is modeled on. A logical column family
// is realized here as a reserved 5-byte physical prefix:
// {0x00, cfID[0:4]}; every key a caller writes under that CF is
// transparently prefixed on the way in and stripped on the way out.
// The CF directory mapping name -> id lives under the disjoint marker
// byte 0x01, and the next-id counter under 0x02, so neither can ever
// collide with CF-scoped user data (which always falls under marker
// 0x00).
const (
	cfDataMarker = 0x00
	cfDirMarker  = 0x01
	cfNextMarker = 0x02
)

var cfNextIDKey = []byte{cfNextMarker}

func cfDirKey(name string) []byte {
	k := make([]byte, 0, 1+len(name))
	k = append(k, cfDirMarker)
	k = append(k, name...)
	return k
}

func cfDataPrefix(cf ColumnFamily) []byte {
	p := make([]byte, 5)
	p[0] = cfDataMarker
	binary.BigEndian.PutUint32(p[1:], uint32(cf))
	return p
}

func physicalKey(cf ColumnFamily, key []byte) []byte {
	p := cfDataPrefix(cf)
	out := make([]byte, 0, len(p)+len(key))
	out = append(out, p...)
	out = append(out, key...)
	return out
}

// PebbleEngine implements Engine against a single github.com/cockroachdb/pebble
// instance, multiplexing logical column families over one physical
// keyspace via key prefixing.
type PebbleEngine struct {
	db *pebble.DB

	mu  sync.Mutex
	dir map[string]ColumnFamily // name -> id, cached directory
}

// OpenPebble opens (creating if necessary) a Pebble database at dir and
// wraps it as an Engine. cacheBytes sizes Pebble's block cache.
func OpenPebble(dir string, cacheBytes int64, memtableBytes uint64) (*PebbleEngine, error) {
	cache := pebble.NewCache(cacheBytes)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: memtableBytes,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening pebble")
	}
	e := &PebbleEngine{db: db, dir: map[string]ColumnFamily{}}
	if err := e.loadDirectory(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, ok := e.dir["metadata"]; !ok {
		if _, err := e.createColumnFamilyLocked("metadata", MetadataCF); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *PebbleEngine) loadDirectory() error {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{cfDirMarker},
		UpperBound: []byte{cfDirMarker + 1},
	})
	if err != nil {
		return errors.Wrap(err, "engine: loading column family directory")
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		name := string(it.Key()[1:])
		id := ColumnFamily(binary.BigEndian.Uint32(it.Value()))
		e.dir[name] = id
	}
	return it.Error()
}

func (e *PebbleEngine) createColumnFamilyLocked(name string, forceID ColumnFamily) (ColumnFamily, error) {
	if id, ok := e.dir[name]; ok {
		return id, nil
	}
	id := forceID
	if name != "metadata" {
		next, err := e.allocateNextID()
		if err != nil {
			return 0, err
		}
		id = next
	}
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(id))
	if err := e.db.Set(cfDirKey(name), idBuf[:], pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "engine: persisting column family directory entry")
	}
	e.dir[name] = id
	return id, nil
}

func (e *PebbleEngine) allocateNextID() (ColumnFamily, error) {
	v, closer, err := e.db.Get(cfNextIDKey)
	next := uint32(1) // 0 is reserved for metadata
	if err == nil {
		next = binary.BigEndian.Uint32(v) + 1
		_ = closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, errors.Wrap(err, "engine: reading next column family id")
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next)
	if err := e.db.Set(cfNextIDKey, buf[:], pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "engine: persisting next column family id")
	}
	return ColumnFamily(next), nil
}

// Get implements Reader.
func (e *PebbleEngine) Get(_ context.Context, cf ColumnFamily, key []byte) ([]byte, error) {
	v, closer, err := e.db.Get(physicalKey(cf, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "engine: get")
	}
	out := append([]byte{}, v...)
	_ = closer.Close()
	return out, nil
}

// NewSnapshot implements Reader.
func (e *PebbleEngine) NewSnapshot() *Snapshot {
	return &Snapshot{impl: e.db.NewSnapshot()}
}

// NewIterator implements Reader.
func (e *PebbleEngine) NewIterator(cf ColumnFamily, lowerBound, upperBound []byte, snap *Snapshot) (Iterator, error) {
	prefix := cfDataPrefix(cf)
	lo := append(append([]byte{}, prefix...), lowerBound...)
	var hi []byte
	if upperBound != nil {
		hi = append(append([]byte{}, prefix...), upperBound...)
	} else {
		hi = cfPrefixEnd(prefix)
	}
	opts := &pebble.IterOptions{LowerBound: lo, UpperBound: hi}

	var pit *pebble.Iterator
	var err error
	if snap != nil {
		ps, ok := snap.impl.(*pebble.Snapshot)
		if !ok {
			return nil, errors.New("engine: snapshot not created by this engine")
		}
		pit, err = ps.NewIter(opts)
	} else {
		pit, err = e.db.NewIter(opts)
	}
	if err != nil {
		return nil, errors.Wrap(err, "engine: new iterator")
	}
	return &pebbleIterator{it: pit, prefix: prefix}, nil
}

type pebbleIterator struct {
	it     *pebble.Iterator
	prefix []byte
}

func (p *pebbleIterator) physical(key []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(key))
	out = append(out, p.prefix...)
	out = append(out, key...)
	return out
}

func (p *pebbleIterator) SeekGE(key []byte) bool { return p.it.SeekGE(p.physical(key)) }
func (p *pebbleIterator) SeekLT(key []byte) bool { return p.it.SeekLT(p.physical(key)) }

func (p *pebbleIterator) Key() []byte {
	k := p.it.Key()
	if len(k) < len(p.prefix) {
		return nil
	}
	return k[len(p.prefix):]
}

func (p *pebbleIterator) Value() []byte { return p.it.Value() }
func (p *pebbleIterator) First() bool   { return p.it.First() }
func (p *pebbleIterator) Last() bool    { return p.it.Last() }
func (p *pebbleIterator) Next() bool    { return p.it.Next() }
func (p *pebbleIterator) Prev() bool    { return p.it.Prev() }
func (p *pebbleIterator) Valid() bool   { return p.it.Valid() }
func (p *pebbleIterator) Error() error  { return p.it.Error() }
func (p *pebbleIterator) Close() error  { return p.it.Close() }

// NewBatch implements Engine.
func (e *PebbleEngine) NewBatch() Batch {
	return &pebbleBatch{b: e.db.NewBatch()}
}

type pebbleBatch struct {
	b   *pebble.Batch
	ops int
}

func (b *pebbleBatch) Set(cf ColumnFamily, key, value []byte) {
	_ = b.b.Set(physicalKey(cf, key), value, nil)
	b.ops++
}

func (b *pebbleBatch) Delete(cf ColumnFamily, key []byte) {
	_ = b.b.Delete(physicalKey(cf, key), nil)
	b.ops++
}

func (b *pebbleBatch) DeleteRange(cf ColumnFamily, start, end []byte) {
	_ = b.b.DeleteRange(physicalKey(cf, start), physicalKey(cf, end), nil)
	b.ops++
}

func (b *pebbleBatch) Len() int    { return b.ops }
func (b *pebbleBatch) Close() error { return b.b.Close() }

// WriteBatch implements Engine.
func (e *PebbleEngine) WriteBatch(_ context.Context, batch Batch, opts WriteOptions) error {
	pb, ok := batch.(*pebbleBatch)
	if !ok {
		return errors.New("engine: batch not created by this engine")
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	if err := e.db.Apply(pb.b, wo); err != nil {
		return errors.Wrap(err, "engine: write batch")
	}
	return nil
}

// CreateColumnFamily implements Engine.
func (e *PebbleEngine) CreateColumnFamily(_ context.Context, name string) (ColumnFamily, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createColumnFamilyLocked(name, 0)
}

// DropColumnFamily implements Engine.
func (e *PebbleEngine) DropColumnFamily(ctx context.Context, cf ColumnFamily) error {
	e.mu.Lock()
	var name string
	for n, id := range e.dir {
		if id == cf {
			name = n
			break
		}
	}
	if name != "" {
		delete(e.dir, name)
	}
	e.mu.Unlock()

	b := e.db.NewBatch()
	prefix := cfDataPrefix(cf)
	if err := b.DeleteRange(prefix, cfPrefixEnd(prefix), nil); err != nil {
		_ = b.Close()
		return errors.Wrap(err, "engine: drop column family data")
	}
	if name != "" {
		if err := b.Delete(cfDirKey(name), nil); err != nil {
			_ = b.Close()
			return errors.Wrap(err, "engine: drop column family directory entry")
		}
	}
	if err := e.db.Apply(b, pebble.Sync); err != nil {
		return errors.Wrap(err, "engine: drop column family")
	}
	return nil
}

// ListColumnFamilies implements Engine.
func (e *PebbleEngine) ListColumnFamilies(_ context.Context) (map[string]ColumnFamily, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ColumnFamily, len(e.dir))
	for k, v := range e.dir {
		out[k] = v
	}
	return out, nil
}

// SuggestCompactRange implements Engine.
func (e *PebbleEngine) SuggestCompactRange(_ context.Context, cf ColumnFamily, lo, hi []byte) error {
	prefix := cfDataPrefix(cf)
	start := append(append([]byte{}, prefix...), lo...)
	end := append(append([]byte{}, prefix...), hi...)
	if err := e.db.Compact(start, end, false); err != nil {
		return errors.Wrap(err, "engine: suggest compact range")
	}
	return nil
}

// Close implements Engine.
func (e *PebbleEngine) Close() error {
	return e.db.Close()
}

// Destroy implements Engine. Pebble has no explicit destroy call, so
// this is a no-op; the data directory stays on disk after Close.
func (e *PebbleEngine) Destroy() error {
	return nil
}

func cfPrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
