// Package levelkv runs layerdb on a goleveldb LSM tree.
//
// Snapshots map to native leveldb snapshots, commits to write batches.
// While corked, live point reads share one implicit snapshot.
package levelkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/andreyvit/layerdb/kv"
)

type Options struct {
	Logger             *slog.Logger
	BlockCacheCapacity int
	WriteBuffer        int
	Sync               bool
}

type Engine struct {
	ldb    *leveldb.DB
	logger *slog.Logger
	sync   bool
	clock  atomic.Uint64
	snaps  kv.Tracker

	corkLock sync.Mutex
	corked   bool
	corkSnap *leveldb.Snapshot
}

var _ kv.Engine = (*Engine)(nil)

func Open(dir string, o Options) (*Engine, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	lopt := &opt.Options{
		BlockCacheCapacity:     8 * 1024 * 1024,
		WriteBuffer:            4 * 1024 * 1024,
		OpenFilesCacheCapacity: 20,
	}
	if o.BlockCacheCapacity != 0 {
		lopt.BlockCacheCapacity = o.BlockCacheCapacity
	}
	if o.WriteBuffer != 0 {
		lopt.WriteBuffer = o.WriteBuffer
	}
	ldb, err := leveldb.OpenFile(dir, lopt)
	if err != nil {
		return nil, fmt.Errorf("levelkv: %w", err)
	}
	return &Engine{ldb: ldb, logger: o.Logger, sync: o.Sync}, nil
}

func (e *Engine) Clock() uint64 { return e.clock.Load() }

func (e *Engine) Asap() bool { return false }

type snapshot struct {
	kv.Refs
	snap  *leveldb.Snapshot
	clock uint64
}

func (s *snapshot) Ref() kv.Snapshot { s.Inc(); return s }
func (s *snapshot) Unref()           { s.Dec() }

func (e *Engine) Snapshot() (kv.Snapshot, error) {
	if err := e.snaps.Acquire(); err != nil {
		return nil, err
	}
	clock := e.clock.Load()
	ls, err := e.ldb.GetSnapshot()
	if err != nil {
		e.snaps.Release()
		return nil, fmt.Errorf("levelkv: snapshot: %w", err)
	}
	s := &snapshot{snap: ls, clock: clock}
	s.Init(func() {
		ls.Release()
		e.snaps.Release()
	})
	return s, nil
}

func (e *Engine) Outdated(snap kv.Snapshot) bool {
	if snap == nil {
		return false
	}
	return snap.(*snapshot).clock != e.clock.Load()
}

// reader is the common subset of *leveldb.DB and *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// withReader runs f against the snapshot, the corked view, or the live
// database. The corked view is held locked so a commit cannot release it
// mid-read.
func (e *Engine) withReader(snap kv.Snapshot, ro kv.ReadOptions, f func(r reader) error) error {
	if ro.Checkout != 0 {
		return kv.ErrCheckoutUnsupported
	}
	if snap != nil {
		return f(snap.(*snapshot).snap)
	}

	e.corkLock.Lock()
	if e.corked {
		defer e.corkLock.Unlock()
		if e.corkSnap == nil {
			ls, err := e.ldb.GetSnapshot()
			if err != nil {
				return err
			}
			e.corkSnap = ls
		}
		return f(e.corkSnap)
	}
	e.corkLock.Unlock()
	return f(e.ldb)
}

func get(r reader, key []byte) ([]byte, error) {
	v, err := r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (e *Engine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := e.withReader(snap, ro, func(r reader) (err error) {
		value, err = get(r, key)
		return err
	})
	return value, err
}

// GetBatch reads every key from one view so the batch is consistent even
// without a snapshot.
func (e *Engine) GetBatch(ctx context.Context, snap kv.Snapshot, keys [][]byte, ro kv.ReadOptions) ([][]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	if snap == nil {
		s, err := e.Snapshot()
		if err != nil {
			return nil, err
		}
		defer s.Unref()
		snap = s
	}
	values := make([][]byte, len(keys))
	err := e.withReader(snap, ro, func(r reader) (err error) {
		for i, k := range keys {
			if values[i], err = get(r, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (e *Engine) Iterate(ctx context.Context, snap kv.Snapshot, rng kv.Range, o kv.IterOptions) (kv.Iterator, error) {
	if o.Checkout != 0 {
		return nil, kv.ErrCheckoutUnsupported
	}
	it := &levelIterator{ctx: ctx}
	if snap != nil {
		it.snap = snap.Ref()
		it.li = snap.(*snapshot).snap.NewIterator(nil, nil)
	} else {
		it.li = e.ldb.NewIterator(nil, nil)
	}
	it.rc = kv.NewRangeCursor(cursor{it.li}, rng, o.Reverse, o.Limit, e.logger)
	return it, nil
}

// cursor adapts a leveldb iterator to kv.Cursor.
type cursor struct {
	li iterator.Iterator
}

func (c cursor) at(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	return c.li.Key(), c.li.Value()
}

func (c cursor) First() ([]byte, []byte)        { return c.at(c.li.First()) }
func (c cursor) Last() ([]byte, []byte)         { return c.at(c.li.Last()) }
func (c cursor) Seek(k []byte) ([]byte, []byte) { return c.at(c.li.Seek(k)) }
func (c cursor) Next() ([]byte, []byte)         { return c.at(c.li.Next()) }
func (c cursor) Prev() ([]byte, []byte)         { return c.at(c.li.Prev()) }

type levelIterator struct {
	ctx  context.Context
	snap kv.Snapshot
	li   iterator.Iterator
	rc   *kv.RangeCursor
	k, v []byte
	err  error
}

func (it *levelIterator) Next() bool {
	if it.err != nil || it.rc == nil {
		return false
	}
	if err := kv.CtxErr(it.ctx); err != nil {
		it.err = err
		return false
	}
	if !it.rc.Next() {
		it.err = it.li.Error()
		return false
	}
	it.k = append(it.k[:0], it.rc.Key()...)
	it.v = append(it.v[:0], it.rc.Value()...)
	return true
}

func (it *levelIterator) Key() []byte   { return it.k }
func (it *levelIterator) Value() []byte { return it.v }
func (it *levelIterator) Err() error    { return it.err }

func (it *levelIterator) Close() error {
	if it.rc == nil {
		return nil
	}
	it.rc = nil
	it.li.Release()
	if it.snap != nil {
		it.snap.Unref()
		it.snap = nil
	}
	return nil
}

func (e *Engine) Cork() {
	e.corkLock.Lock()
	defer e.corkLock.Unlock()
	e.corked = true
}

func (e *Engine) Uncork() {
	e.corkLock.Lock()
	defer e.corkLock.Unlock()
	e.corked = false
	e.releaseCork_locked()
}

func (e *Engine) releaseCork_locked() {
	if e.corkSnap != nil {
		e.corkSnap.Release()
		e.corkSnap = nil
	}
}

func (e *Engine) Commit(ctx context.Context, ops []kv.Op) error {
	if err := kv.CtxErr(ctx); err != nil {
		return err
	}
	if e.snaps.Closed() {
		return kv.ErrClosed
	}
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.IsDelete() {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}
	if err := e.ldb.Write(batch, &opt.WriteOptions{Sync: e.sync}); err != nil {
		return fmt.Errorf("levelkv: commit: %w", err)
	}

	e.corkLock.Lock()
	e.releaseCork_locked()
	e.corkLock.Unlock()

	e.clock.Add(1)
	return nil
}

func (e *Engine) Close() error {
	if !e.snaps.CloseAndWait() {
		return nil
	}
	e.corkLock.Lock()
	e.releaseCork_locked()
	e.corkLock.Unlock()
	return e.ldb.Close()
}
