// Package boltkv runs layerdb on top of a bbolt file.
//
// All keys live in a single bucket. A snapshot is a read-only bbolt
// transaction; a commit is one writable transaction.
package boltkv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/layerdb/kv"
)

var dataBucket = []byte("data")

type Options struct {
	Logger    *slog.Logger
	IsTesting bool
	MmapSize  int
	NoSync    bool
}

type Engine struct {
	bdb    *bbolt.DB
	logger *slog.Logger
	clock  atomic.Uint64
	snaps  kv.Tracker

	corkLock sync.Mutex
	corkTx   *bbolt.Tx
	corked   bool
}

var _ kv.Engine = (*Engine)(nil)

func Open(path string, opt Options) (*Engine, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.NoSync {
		bopt.NoSync = true
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("boltkv: %w", err)
	}
	e, err := New(bdb, opt.Logger)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return e, nil
}

// New wraps an already open bbolt database. The engine takes ownership of it.
func New(bdb *bbolt.DB, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltkv: %w", err)
	}
	return &Engine{bdb: bdb, logger: logger}, nil
}

func (e *Engine) Bolt() *bbolt.DB { return e.bdb }

func (e *Engine) Clock() uint64 { return e.clock.Load() }

func (e *Engine) Asap() bool { return false }

// Size returns the size of the database file as seen by the last commit.
func (e *Engine) Size() int64 {
	var size int64
	_ = e.bdb.View(func(btx *bbolt.Tx) error {
		size = btx.Size()
		return nil
	})
	return size
}

// snapshot serializes access to its read transaction, which bbolt does
// not allow to be shared between goroutines.
type snapshot struct {
	kv.Refs
	mu    sync.Mutex
	btx   *bbolt.Tx
	clock uint64
}

func (s *snapshot) Ref() kv.Snapshot { s.Inc(); return s }
func (s *snapshot) Unref()           { s.Dec() }

func (e *Engine) Snapshot() (kv.Snapshot, error) {
	if err := e.snaps.Acquire(); err != nil {
		return nil, err
	}
	clock := e.clock.Load()
	btx, err := e.bdb.Begin(false)
	if err != nil {
		e.snaps.Release()
		return nil, fmt.Errorf("boltkv: begin: %w", err)
	}
	s := &snapshot{btx: btx, clock: clock}
	s.Init(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.btx.Rollback()
		s.btx = nil
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

// read runs f against the snapshot's transaction, the corked transaction,
// or a fresh one.
func (e *Engine) read(snap kv.Snapshot, ro kv.ReadOptions, f func(b *bbolt.Bucket) error) error {
	if ro.Checkout != 0 {
		return kv.ErrCheckoutUnsupported
	}
	if snap != nil {
		s := snap.(*snapshot)
		s.mu.Lock()
		defer s.mu.Unlock()
		return f(s.btx.Bucket(dataBucket))
	}

	e.corkLock.Lock()
	if e.corked {
		defer e.corkLock.Unlock()
		if e.corkTx == nil {
			btx, err := e.bdb.Begin(false)
			if err != nil {
				return err
			}
			e.corkTx = btx
		}
		return f(e.corkTx.Bucket(dataBucket))
	}
	e.corkLock.Unlock()

	return e.bdb.View(func(btx *bbolt.Tx) error {
		return f(btx.Bucket(dataBucket))
	})
}

func (e *Engine) Get(ctx context.Context, snap kv.Snapshot, key []byte, ro kv.ReadOptions) ([]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := e.read(snap, ro, func(b *bbolt.Bucket) error {
		if v := b.Get(key); v != nil {
			value = append(make([]byte, 0, len(v)), v...)
		}
		return nil
	})
	return value, err
}

func (e *Engine) GetBatch(ctx context.Context, snap kv.Snapshot, keys [][]byte, ro kv.ReadOptions) ([][]byte, error) {
	if err := kv.CtxErr(ctx); err != nil {
		return nil, err
	}
	values := make([][]byte, len(keys))
	err := e.read(snap, ro, func(b *bbolt.Bucket) error {
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				values[i] = append(make([]byte, 0, len(v)), v...)
			}
		}
		return nil
	})
	return values, err
}

func (e *Engine) Iterate(ctx context.Context, snap kv.Snapshot, rng kv.Range, opt kv.IterOptions) (kv.Iterator, error) {
	if opt.Checkout != 0 {
		return nil, kv.ErrCheckoutUnsupported
	}
	it := &iterator{ctx: ctx}
	if snap != nil {
		it.snap = snap.Ref().(*snapshot)
		it.snap.mu.Lock()
		it.c = it.snap.btx.Bucket(dataBucket).Cursor()
		it.snap.mu.Unlock()
	} else {
		btx, err := e.bdb.Begin(false)
		if err != nil {
			return nil, fmt.Errorf("boltkv: begin: %w", err)
		}
		it.ownTx = btx
		it.c = btx.Bucket(dataBucket).Cursor()
	}
	it.rc = kv.NewRangeCursor(it.c, rng, opt.Reverse, opt.Limit, e.logger)
	return it, nil
}

type iterator struct {
	ctx   context.Context
	snap  *snapshot
	ownTx *bbolt.Tx
	c     *bbolt.Cursor
	rc    *kv.RangeCursor
	k, v  []byte
	err   error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.rc == nil {
		return false
	}
	if err := kv.CtxErr(it.ctx); err != nil {
		it.err = err
		return false
	}
	if it.snap != nil {
		it.snap.mu.Lock()
		defer it.snap.mu.Unlock()
	}
	if !it.rc.Next() {
		return false
	}
	it.k = append(it.k[:0], it.rc.Key()...)
	it.v = append(it.v[:0], it.rc.Value()...)
	return true
}

func (it *iterator) Key() []byte   { return it.k }
func (it *iterator) Value() []byte { return it.v }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.rc = nil
	if it.ownTx != nil {
		_ = it.ownTx.Rollback()
		it.ownTx = nil
	}
	if it.snap != nil {
		it.snap.Unref()
		it.snap = nil
	}
	return nil
}

// Cork keeps one read transaction open for live point reads until Uncork.
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
	if e.corkTx != nil {
		_ = e.corkTx.Rollback()
		e.corkTx = nil
	}
}

func (e *Engine) Commit(ctx context.Context, ops []kv.Op) error {
	if err := kv.CtxErr(ctx); err != nil {
		return err
	}
	if e.snaps.Closed() {
		return kv.ErrClosed
	}

	// The corked view must not survive a commit it would hide.
	e.corkLock.Lock()
	e.releaseCork_locked()
	e.corkLock.Unlock()

	err := e.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(dataBucket)
		for _, op := range ops {
			var err error
			if op.IsDelete() {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltkv: commit: %w", err)
	}
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
	return e.bdb.Close()
}
